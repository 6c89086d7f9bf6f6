package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/api"
	"futures-grid-trader/internal/exchange"
	"futures-grid-trader/internal/model"
	"futures-grid-trader/internal/risk"
	"futures-grid-trader/internal/service"
	"futures-grid-trader/internal/store"
	"futures-grid-trader/internal/strategy"
)

// Notifier 是告警通道的最小接口 (Telegram 实现；可为 nil)
type Notifier interface {
	Send(text string)
}

// Session 是单个交易对跨周期的上下文，由编排器持有并
// 传给各组件——没有任何包级可变状态。
type Session struct {
	GridCenter float64 // 上次铺设网格时的中心价
	HasCenter  bool
	LastRegime model.Regime
	HasRegime  bool
}

// Engine 驱动完整的交易周期：
// 历史数据 → 体制分类 → (网格 | DCA) → 风控 → 订单对账。
// 单协程顺序处理全部交易对，交易对之间错误隔离。
type Engine struct {
	cfg        *service.Config
	ex         exchange.Exchange
	st         store.Store
	classifier *strategy.Classifier
	grid       *strategy.GridGenerator
	dca        *strategy.DCAEngine
	gate       *risk.Gate
	rec        *Reconciler
	notifier   Notifier
	prices     *api.PriceCache // ws 实时价缓存，可为 nil
	sessions   map[string]*Session
	symbols    []string
	logger     *zap.Logger
}

// NewEngine 组装周期编排器
func NewEngine(cfg *service.Config, ex exchange.Exchange, st store.Store,
	classifier *strategy.Classifier, grid *strategy.GridGenerator, dca *strategy.DCAEngine,
	gate *risk.Gate, rec *Reconciler, notifier Notifier, prices *api.PriceCache,
	logger *zap.Logger) *Engine {

	symbols := cfg.Symbols()
	sort.Strings(symbols)

	return &Engine{
		cfg:        cfg,
		ex:         ex,
		st:         st,
		classifier: classifier,
		grid:       grid,
		dca:        dca,
		gate:       gate,
		rec:        rec,
		notifier:   notifier,
		prices:     prices,
		sessions:   make(map[string]*Session),
		symbols:    symbols,
		logger:     logger,
	}
}

// Gate 暴露风控闸门，供外部重置熔断
func (e *Engine) Gate() *risk.Gate {
	return e.gate
}

// RunCycle 执行一个完整交易周期。熔断激活时直接短路。
func (e *Engine) RunCycle(ctx context.Context) {
	if e.gate.Killed() {
		e.logger.Warn("Kill switch active, skipping cycle")
		return
	}

	balance := e.fetchBalance(ctx)

	var report strings.Builder
	for _, symbol := range e.symbols {
		if err := e.processInstrument(ctx, symbol, balance, &report); err != nil {
			// 单交易对的失败不影响其余交易对
			e.logger.Error("Instrument processing failed",
				zap.String("symbol", symbol), zap.Error(err))
			e.notify(fmt.Sprintf("⚠️ %s cycle error: %v", symbol, err))
		}
		e.writeHeartbeat()
	}

	// 走到这里说明周期开始时未熔断，现在熔断了就是本周期触发的
	if e.gate.Killed() {
		e.notify("🚨 KILL SWITCH ACTIVATED, trading halted until manual reset")
	}
	if report.Len() > 0 {
		e.notify(fmt.Sprintf("📊 Cycle report (balance %.2f USDT)\n%s", balance, report.String()))
	}
}

func (e *Engine) processInstrument(ctx context.Context, symbol string, balance float64, report *strings.Builder) error {
	inst, ok := e.cfg.Instrument(symbol)
	if !ok {
		e.logger.Warn("No config for symbol, skipping", zap.String("symbol", symbol))
		return nil
	}

	if err := e.ex.SetLeverage(ctx, symbol, e.cfg.Risk.Leverage); err != nil {
		e.logger.Warn("Leverage setup failed", zap.String("symbol", symbol), zap.Error(err))
	}

	var candles []model.Candle
	err := exchange.Retry(ctx, func() error {
		var e2 error
		candles, e2 = e.ex.FetchOHLCV(ctx, symbol, e.cfg.Analysis.Timeframe, e.cfg.Analysis.HistoryLimit)
		return e2
	})
	if err != nil {
		return fmt.Errorf("fetch ohlcv: %w", err)
	}

	snap, err := e.classifier.Snapshot(symbol, candles, inst.Lookback24hBars)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	snap = e.withLivePrice(snap)

	session := e.session(symbol)

	// 体制翻转检测：震荡 → 趋势时必须立刻撤掉残留网格，
	// 否则它们会在单边行情里连环成交堆积仓位
	flipped := session.HasRegime && session.LastRegime == model.RegimeRanging && snap.Regime.IsTrending()
	session.LastRegime = snap.Regime
	session.HasRegime = true

	spacing := strategy.GridSpacing(snap.Ind, snap.Price, inst.NumGridLevels, snap.Confidence)

	// 滞回保护：价格离上次网格中心不到一个间距就不动网格，
	// 给挂单留出成交的时间。体制翻转例外——强制刷新。
	if session.HasCenter && !flipped {
		move := math.Abs(snap.Price-session.GridCenter) / session.GridCenter
		if move < spacing {
			e.logger.Info("Price within refresh threshold, keeping existing grid",
				zap.String("symbol", symbol),
				zap.Float64("move_pct", move*100),
				zap.Float64("threshold_pct", spacing*100))
			fmt.Fprintf(report, "%s %s @ %.4f | grid kept\n", symbol, snap.Regime, snap.Price)
			return nil
		}
	}

	if flipped {
		e.logger.Warn("Regime flip RANGING → TRENDING, forcing grid cancel",
			zap.String("symbol", symbol), zap.String("regime", string(snap.Regime)))
		session.HasCenter = false
		e.rec.CancelAll(ctx, symbol)
	}

	var signals []model.OrderSignal
	if snap.Regime == model.RegimeCrash {
		signals = e.dca.OnCrash(ctx, snap, inst)
	} else {
		signals = append(e.dca.OnRecovery(ctx, snap), e.grid.Generate(ctx, snap)...)
	}

	approved := e.gate.Validate(ctx, signals, balance)

	var result model.ReconcileResult
	if flipped {
		result = e.rec.PlaceAll(ctx, approved)
	} else {
		result = e.rec.SelectiveRefresh(ctx, symbol, approved, spacing)
	}

	// 账本同步：旧挂单统一标记撤销，再记录本周期提交的订单
	if err := e.st.MarkOpenCancelled(symbol); err != nil {
		e.logger.Warn("Ledger cancel mark failed", zap.String("symbol", symbol), zap.Error(err))
	}
	if err := e.st.RecordTrades(result.Trades); err != nil {
		e.logger.Warn("Ledger record failed", zap.String("symbol", symbol), zap.Error(err))
	}

	// 只有实际铺了或保留了网格才更新中心价，
	// 否则 0 信号的周期会把后续刷新锁死
	if result.Placed > 0 || result.Kept > 0 {
		session.GridCenter = snap.Price
		session.HasCenter = true
	}

	e.logger.Info("Instrument cycle done",
		zap.String("symbol", symbol),
		zap.String("regime", string(snap.Regime)),
		zap.Int("signals", len(signals)),
		zap.Int("approved", len(approved)),
		zap.Int("kept", result.Kept),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("placed", result.Placed))

	fmt.Fprintf(report, "%s %s @ %.4f | sig %d → ok %d → placed %d (kept %d)\n",
		symbol, snap.Regime, snap.Price, len(signals), len(approved), result.Placed, result.Kept)
	return nil
}

// withLivePrice 用 ws 实时价替换 K 线收盘价 (新鲜时)。
// 快照按值复制，原快照保持不可变。
func (e *Engine) withLivePrice(snap *model.MarketSnapshot) *model.MarketSnapshot {
	if e.prices == nil {
		return snap
	}
	live, ok := e.prices.Fresh(snap.Symbol, 30*time.Second)
	if !ok || live <= 0 {
		return snap
	}
	adjusted := *snap
	adjusted.Price = live
	return &adjusted
}

func (e *Engine) session(symbol string) *Session {
	s, ok := e.sessions[symbol]
	if !ok {
		s = &Session{}
		e.sessions[symbol] = s
	}
	return s
}

// fetchBalance 拉取钱包余额；失败时退化为起始资金——
// 牺牲回撤/日亏检查的精度换取可用性
func (e *Engine) fetchBalance(ctx context.Context) float64 {
	var bal *model.Balance
	err := exchange.Retry(ctx, func() error {
		var e2 error
		bal, e2 = e.ex.FetchBalance(ctx)
		return e2
	})
	if err != nil {
		e.logger.Error("Balance fetch failed, falling back to starting capital", zap.Error(err))
		e.notify(fmt.Sprintf("⚠️ Balance fetch failed: %v", err))
		return e.cfg.Capital.Total
	}
	return bal.WalletBalance
}

func (e *Engine) notify(text string) {
	if e.notifier != nil {
		e.notifier.Send(text)
	}
}

// writeHeartbeat 每个交易对处理完都刷一次心跳文件，
// 慢周期 (多交易对 + 慢 API) 不会触发看门狗误报
func (e *Engine) writeHeartbeat() {
	if e.cfg.Heartbeat == "" {
		return
	}
	if err := os.WriteFile(e.cfg.Heartbeat, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		e.logger.Warn("Heartbeat write failed", zap.Error(err))
	}
}
