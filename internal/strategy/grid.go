package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/model"
	"futures-grid-trader/internal/service"
)

// MarketAccess 是信号生成器对执行层的最小依赖。
// 测试时注入脚本化的 stub 即可。
type MarketAccess interface {
	FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	RoundPrice(symbol string, price float64) float64
	RoundQuantity(symbol string, qty float64) float64
}

// 网格间距的硬边界：过密会被手续费吃掉，过疏会错过成交
const (
	minSpacingPct = 0.004
	maxSpacingPct = 0.02
)

// GridSpacing 计算自适应网格间距 (比例)。
// 布林带宽度衡量已观察到的波动区间，ADX 乘数在趋势形成时
// 预先拉大间距作安全缓冲，低置信度时再放宽 30%。
func GridSpacing(ind model.Indicators, price float64, numLevels int, confidence float64) float64 {
	if numLevels <= 0 {
		numLevels = 1
	}
	bbWidthPct := 0.0
	if price > 0 {
		bbWidthPct = (ind.BBUpper - ind.BBLower) / price
	}

	adxMult := 1.0 + (ind.ADX-15)*0.02 // ADX 15 以下不放大
	if adxMult < 1.0 {
		adxMult = 1.0
	}
	if adxMult > 1.5 {
		adxMult = 1.5
	}

	confMult := 1.0
	if confidence < 0.5 {
		confMult = 1.3 // 体制不明朗，保守加宽
	}

	spacing := bbWidthPct / float64(numLevels) * adxMult * confMult
	if spacing < minSpacingPct {
		spacing = minSpacingPct
	}
	if spacing > maxSpacingPct {
		spacing = maxSpacingPct
	}
	return spacing
}

// PositionBias 根据当前净敞口计算 [-3,+3] 的整数偏置。
// 多头敞口 → 正偏置 (多挂卖单减仓)，空头相反。
// unitNotional 是单个网格订单产生的名义价值 (保证金 × 杠杆)。
func PositionBias(pos model.Position, unitNotional float64) int {
	if !pos.IsOpen() || unitNotional <= 0 {
		return 0
	}
	ratio := pos.Notional() / unitNotional
	bias := 0
	switch {
	case ratio >= 3:
		bias = 3
	case ratio >= 2:
		bias = 2
	case ratio >= 1:
		bias = 1
	}
	if pos.Side == "short" {
		bias = -bias
	}
	return bias
}

// splitLevels 按偏置分配两侧层数。|bias|>=2 进入只减仓模式：
// 加仓一侧层数为 0；|bias|=1 轻度偏斜，加仓侧只留 2 层。
func splitLevels(total, bias int) (buys, sells int) {
	switch {
	case bias >= 2:
		return 0, total
	case bias == 1:
		return 2, total - 2
	case bias == -1:
		return total - 2, 2
	case bias <= -2:
		return total, 0
	}
	buys = total / 2
	return buys, total - buys
}

// GridGenerator 在当前价格两侧生成限价挂单阶梯。
// 震荡市生成完整网格；趋势市暂停网格，最多输出一张平仓单。
type GridGenerator struct {
	cfg    *service.Config
	ex     MarketAccess
	logger *zap.Logger
}

// NewGridGenerator 初始化网格信号生成器
func NewGridGenerator(cfg *service.Config, ex MarketAccess, logger *zap.Logger) *GridGenerator {
	return &GridGenerator{cfg: cfg, ex: ex, logger: logger}
}

// Generate 为一个市场快照生成网格信号。暴跌体制由 DCA 引擎处理，
// 这里不产出任何信号。
func (g *GridGenerator) Generate(ctx context.Context, snap *model.MarketSnapshot) []model.OrderSignal {
	inst, ok := g.cfg.Instrument(snap.Symbol)
	if !ok {
		// 未配置的交易对直接跳过，不是错误
		g.logger.Warn("No grid config for symbol, skipping", zap.String("symbol", snap.Symbol))
		return nil
	}
	if snap.Regime == model.RegimeCrash {
		return nil
	}

	pos := g.currentPosition(ctx, snap.Symbol)
	spacing := GridSpacing(snap.Ind, snap.Price, inst.NumGridLevels, snap.Confidence)

	if snap.Regime.IsTrending() {
		return g.closeOnlySignal(snap, inst, pos, spacing)
	}

	// 震荡市：先过资金费率安全闸，再铺设网格
	if !g.fundingAllows(ctx, snap.Symbol, pos) {
		g.logger.Warn("Extreme funding rate, skipping grid this cycle",
			zap.String("symbol", snap.Symbol))
		return nil
	}

	unitNotional := inst.OrderNotional * float64(g.cfg.Risk.Leverage)
	bias := PositionBias(pos, unitNotional)
	numBuys, numSells := splitLevels(inst.NumGridLevels, bias)

	signals := make([]model.OrderSignal, 0, inst.NumGridLevels)
	now := time.Now().UTC()

	for i := 1; i <= numBuys; i++ {
		if sig, ok := g.level(snap, inst, -spacing*float64(i), model.SideBuy, model.SignalGridBuy, now); ok {
			signals = append(signals, sig)
		}
	}
	for i := 1; i <= numSells; i++ {
		if sig, ok := g.level(snap, inst, +spacing*float64(i), model.SideSell, model.SignalGridSell, now); ok {
			signals = append(signals, sig)
		}
	}

	g.logger.Info("Grid signals generated",
		zap.String("symbol", snap.Symbol),
		zap.Int("buys", numBuys),
		zap.Int("sells", numSells),
		zap.Int("bias", bias),
		zap.Float64("spacing_pct", spacing*100))
	return signals
}

// level 生成一层网格信号；取整后数量非正则丢弃该层
func (g *GridGenerator) level(snap *model.MarketSnapshot, inst service.InstrumentConfig,
	offsetPct float64, side model.Side, typ model.SignalType, now time.Time) (model.OrderSignal, bool) {

	price := g.ex.RoundPrice(snap.Symbol, snap.Price*(1+offsetPct))
	if price <= 0 {
		return model.OrderSignal{}, false
	}
	qty := inst.OrderNotional * float64(g.cfg.Risk.Leverage) / price
	if qty < inst.MinQuantity {
		qty = inst.MinQuantity
	}
	qty = g.ex.RoundQuantity(snap.Symbol, qty)
	if qty <= 0 {
		return model.OrderSignal{}, false
	}
	return model.OrderSignal{
		Symbol:    snap.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Type:      typ,
		Timestamp: now,
	}, true
}

// closeOnlySignal 趋势市的机会性离场单：距现价半个间距、
// 数量恰好平掉持仓。目标是退出而不是盈利，所以比网格更贴近现价。
func (g *GridGenerator) closeOnlySignal(snap *model.MarketSnapshot, inst service.InstrumentConfig,
	pos model.Position, spacing float64) []model.OrderSignal {

	if !pos.IsOpen() {
		return nil
	}

	half := spacing / 2
	var (
		side  model.Side
		typ   model.SignalType
		price float64
	)
	if pos.Side == "long" {
		side = model.SideSell
		typ = model.SignalGridSell
		price = snap.Price * (1 + half)
	} else {
		side = model.SideBuy
		typ = model.SignalGridBuy
		price = snap.Price * (1 - half)
	}

	price = g.ex.RoundPrice(snap.Symbol, price)
	qty := g.ex.RoundQuantity(snap.Symbol, pos.Quantity)
	if qty <= 0 || price <= 0 {
		return nil
	}

	g.logger.Info("Trending market: close-only exit order",
		zap.String("symbol", snap.Symbol),
		zap.String("position", pos.Side),
		zap.Float64("price", price),
		zap.Float64("qty", qty))

	return []model.OrderSignal{{
		Symbol:    snap.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}}
}

// currentPosition 查询当前持仓；查询失败退化为无持仓 (bias=0)
func (g *GridGenerator) currentPosition(ctx context.Context, symbol string) model.Position {
	positions, err := g.ex.FetchPositions(ctx, []string{symbol})
	if err != nil {
		g.logger.Warn("Position lookup failed, assuming flat", zap.String("symbol", symbol), zap.Error(err))
		return model.Position{}
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return model.Position{}
}

// fundingAllows 资金费率安全闸。持仓方向 (无持仓按做多) 上的
// 费率极端不利时本周期跳过网格。查询失败默认放行——宁可继续
// 交易也不因为一次查询失败停摆。
func (g *GridGenerator) fundingAllows(ctx context.Context, symbol string, pos model.Position) bool {
	threshold := g.cfg.Grid.MaxFundingRate
	if threshold <= 0 {
		return true
	}
	rate, err := g.ex.FetchFundingRate(ctx, symbol)
	if err != nil {
		g.logger.Warn("Funding rate check failed, proceeding", zap.String("symbol", symbol), zap.Error(err))
		return true
	}

	dir := "long"
	if pos.IsOpen() && pos.Side == "short" {
		dir = "short"
	}
	// 正费率多头付费，负费率空头付费
	if dir == "long" && rate > threshold {
		return false
	}
	if dir == "short" && rate < -threshold {
		return false
	}
	return true
}
