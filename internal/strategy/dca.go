package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/model"
	"futures-grid-trader/internal/service"
	"futures-grid-trader/internal/store"
)

// DCAEngine 管理暴跌时的分批抄底仓位。
// 状态机：NONE → ACTIVE (1..MaxEntries 次买入) → CLOSED。
// 每次暴跌事件一行记录，关闭后成为不可变历史。
type DCAEngine struct {
	cfg      service.DCAConfig
	reserve  float64 // 抄底储备金 (USDT)
	leverage int
	store    store.Store
	ex       MarketAccess
	logger   *zap.Logger
	now      func() time.Time
}

// NewDCAEngine 初始化 DCA 引擎
func NewDCAEngine(cfg service.DCAConfig, reserve float64, leverage int,
	st store.Store, ex MarketAccess, logger *zap.Logger) *DCAEngine {
	return &DCAEngine{
		cfg:      cfg,
		reserve:  reserve,
		leverage: leverage,
		store:    st,
		ex:       ex,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnCrash 处理暴跌体制下的一个周期：开仓、加仓或挂止盈。
func (d *DCAEngine) OnCrash(ctx context.Context, snap *model.MarketSnapshot, inst service.InstrumentConfig) []model.OrderSignal {
	symbol := snap.Symbol
	price := snap.Price

	dca, err := d.store.ActiveDCA(symbol)
	if err != nil {
		d.logger.Error("DCA state lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}

	if dca != nil && !d.directionConsistent(ctx, dca) {
		return nil
	}

	if dca == nil {
		// 首次入场：买入储备金的固定比例
		sig, ok := d.openFirstEntry(symbol, price, inst)
		if !ok {
			return nil
		}
		return []model.OrderSignal{sig}
	}

	// 均价随加仓下移，暴跌尚未结束价格也可能先越过止盈目标
	tpPrice := d.ex.RoundPrice(symbol, dca.AvgEntryPrice*(1+d.cfg.TakeProfitPct))
	if price >= tpPrice {
		return d.takeProfit(dca, tpPrice)
	}

	var signals []model.OrderSignal

	// 价格距上次买入再跌够了才加仓，且不超过最大次数
	if dca.Entries < d.cfg.MaxEntries {
		dropFromLast := (dca.LastEntryPrice - price) / dca.LastEntryPrice
		if dropFromLast >= d.cfg.AdditionalDropPct {
			if sig, ok := d.addEntry(dca, price, inst); ok {
				signals = append(signals, sig)
			}
		} else {
			d.logger.Info("DCA waiting for deeper dip",
				zap.String("symbol", symbol),
				zap.Float64("drop_from_last_pct", dropFromLast*100),
				zap.Float64("need_pct", d.cfg.AdditionalDropPct*100))
		}
	}

	// 仓位活跃期间每个周期重算目标价，驻留一张 reduceOnly 限价止盈单。
	// 加仓后均价下移，对账器撤旧换新，止盈单跟着均价走。
	tpPrice = d.ex.RoundPrice(symbol, dca.AvgEntryPrice*(1+d.cfg.TakeProfitPct))
	signals = append(signals, model.OrderSignal{
		Symbol:    symbol,
		Side:      model.SideSell,
		Price:     tpPrice,
		Quantity:  dca.TotalQty,
		Type:      model.SignalDCATakeProfit,
		Timestamp: d.now(),
	})
	d.logger.Info("DCA take-profit resting",
		zap.String("symbol", symbol),
		zap.Float64("tp_price", tpPrice),
		zap.Float64("qty", dca.TotalQty))

	return signals
}

// OnRecovery 在非暴跌体制下检查活跃仓位是否该了结。
// 价格越过止盈目标则卖出并关闭；尚未恢复则只报告目标，等下个周期。
func (d *DCAEngine) OnRecovery(ctx context.Context, snap *model.MarketSnapshot) []model.OrderSignal {
	symbol := snap.Symbol

	dca, err := d.store.ActiveDCA(symbol)
	if err != nil || dca == nil {
		return nil
	}

	if !d.directionConsistent(ctx, dca) {
		return nil
	}

	tpPrice := d.ex.RoundPrice(symbol, dca.AvgEntryPrice*(1+d.cfg.TakeProfitPct))
	if snap.Price >= tpPrice {
		return d.takeProfit(dca, tpPrice)
	}

	d.logger.Info("DCA target not reached yet",
		zap.String("symbol", symbol),
		zap.Float64("price", snap.Price),
		zap.Float64("tp_price", tpPrice))
	return nil
}

// takeProfit 关闭跟踪并产出止盈卖出信号。只在价格已越过
// 目标价时调用，对应的交叉限价单会立即成交。
func (d *DCAEngine) takeProfit(dca *model.DCAPosition, tpPrice float64) []model.OrderSignal {
	if err := d.store.CloseDCA(dca.ID, d.now()); err != nil {
		d.logger.Error("DCA close failed", zap.String("symbol", dca.Symbol), zap.Error(err))
		return nil
	}
	d.logger.Info("DCA take-profit hit, closing position",
		zap.String("symbol", dca.Symbol),
		zap.Float64("tp_price", tpPrice),
		zap.Float64("qty", dca.TotalQty))
	return []model.OrderSignal{{
		Symbol:    dca.Symbol,
		Side:      model.SideSell,
		Price:     tpPrice,
		Quantity:  dca.TotalQty,
		Type:      model.SignalDCATakeProfit,
		Timestamp: d.now(),
	}}
}

// openFirstEntry 开启新的 DCA 仓位并产出第一笔买入信号
func (d *DCAEngine) openFirstEntry(symbol string, price float64, inst service.InstrumentConfig) (model.OrderSignal, bool) {
	qty, cost, ok := d.entrySize(symbol, price, inst)
	if !ok {
		return model.OrderSignal{}, false
	}
	now := d.now()
	pos := &model.DCAPosition{
		Symbol:         symbol,
		Entries:        1,
		TotalQty:       qty,
		TotalCost:      cost,
		AvgEntryPrice:  cost / qty,
		LastEntryPrice: price,
		Active:         true,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateDCA(pos); err != nil {
		d.logger.Error("DCA create failed", zap.String("symbol", symbol), zap.Error(err))
		return model.OrderSignal{}, false
	}
	d.logger.Info("DCA new position, entry #1",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
	return model.OrderSignal{
		Symbol:    symbol,
		Side:      model.SideBuy,
		Price:     price,
		Quantity:  qty,
		Type:      model.SignalDCABuy,
		Timestamp: now,
	}, true
}

// addEntry 追加一次买入并重算均价。Entries/TotalQty/TotalCost
// 在仓位关闭前单调不减。
func (d *DCAEngine) addEntry(dca *model.DCAPosition, price float64, inst service.InstrumentConfig) (model.OrderSignal, bool) {
	qty, cost, ok := d.entrySize(dca.Symbol, price, inst)
	if !ok {
		return model.OrderSignal{}, false
	}
	dca.Entries++
	dca.TotalQty += qty
	dca.TotalCost += cost
	dca.AvgEntryPrice = dca.TotalCost / dca.TotalQty
	dca.LastEntryPrice = price
	dca.UpdatedAt = d.now()

	if err := d.store.UpdateDCA(dca); err != nil {
		d.logger.Error("DCA update failed", zap.String("symbol", dca.Symbol), zap.Error(err))
		return model.OrderSignal{}, false
	}
	d.logger.Info("DCA additional entry",
		zap.String("symbol", dca.Symbol),
		zap.Int("entry", dca.Entries),
		zap.Float64("price", price),
		zap.Float64("new_avg", dca.AvgEntryPrice))
	return model.OrderSignal{
		Symbol:    dca.Symbol,
		Side:      model.SideBuy,
		Price:     price,
		Quantity:  qty,
		Type:      model.SignalDCABuy,
		Timestamp: dca.UpdatedAt,
	}, true
}

// entrySize 计算单次买入的数量和名义成本。
// 每次投入 储备金 × EntryPct 的保证金，乘杠杆换算为数量。
func (d *DCAEngine) entrySize(symbol string, price float64, inst service.InstrumentConfig) (qty, cost float64, ok bool) {
	if price <= 0 {
		return 0, 0, false
	}
	margin := d.reserve * d.cfg.EntryPct
	qty = margin * float64(d.leverage) / price
	if qty < inst.MinQuantity {
		qty = inst.MinQuantity
	}
	qty = d.ex.RoundQuantity(symbol, qty)
	if qty <= 0 {
		return 0, 0, false
	}
	return qty, qty * price, true
}

// directionConsistent 核对真实持仓方向与 DCA 假设是否一致。
// DCA 只做多头摊平；实际持仓是空头说明跟踪已经失真，
// 直接关闭跟踪且不发卖单——卖单只会加大错误方向的仓位。
func (d *DCAEngine) directionConsistent(ctx context.Context, dca *model.DCAPosition) bool {
	positions, err := d.ex.FetchPositions(ctx, []string{dca.Symbol})
	if err != nil {
		// 查不到持仓时按一致处理，下个周期再验证
		return true
	}
	for _, p := range positions {
		if p.Symbol == dca.Symbol && p.IsOpen() && p.Side == "short" {
			d.logger.Warn("DCA direction mismatch: tracked long but position is short, closing tracking",
				zap.String("symbol", dca.Symbol))
			if err := d.store.CloseDCA(dca.ID, d.now()); err != nil {
				d.logger.Error("DCA close failed", zap.String("symbol", dca.Symbol), zap.Error(err))
			}
			return false
		}
	}
	return true
}
