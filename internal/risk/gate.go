package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/model"
	"futures-grid-trader/internal/service"
	"futures-grid-trader/internal/store"
)

// PnLSource 提供已实现盈亏的权威来源 (交易所收益流水)
type PnLSource interface {
	FetchRealizedPnL(ctx context.Context, since time.Time) (float64, error)
}

// Gate 在执行前过滤全部信号。规则按顺序评估，
// 任何一条组合级规则都可以清空整批信号。
type Gate struct {
	capital service.CapitalConfig
	cfg     service.RiskConfig
	store   store.Store
	pnl     PnLSource
	logger  *zap.Logger
	loc     *time.Location

	killed bool // 熔断后跨周期保持，直到外部重置
	now    func() time.Time
}

// NewGate 初始化风控闸门
func NewGate(capital service.CapitalConfig, cfg service.RiskConfig,
	st store.Store, pnl PnLSource, logger *zap.Logger) *Gate {

	loc, err := time.LoadLocation(cfg.ResetTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Gate{
		capital: capital,
		cfg:     cfg,
		store:   st,
		pnl:     pnl,
		logger:  logger,
		loc:     loc,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Killed 返回熔断状态，供周期入口短路用
func (g *Gate) Killed() bool {
	return g.killed
}

// ResetKillSwitch 外部 (运维指令) 重置熔断，恢复交易
func (g *Gate) ResetKillSwitch() {
	g.killed = false
	g.logger.Warn("Kill switch externally reset, trading resumed")
}

// Validate 按顺序执行风控管线，返回批准的信号 (保持提交顺序)。
// balance 是本周期的钱包余额；上游拉取失败时会传入起始资金，
// 此时回撤/日亏检查会失真，宁可可用也不中止。
func (g *Gate) Validate(ctx context.Context, signals []model.OrderSignal, balance float64) []model.OrderSignal {
	if g.killed {
		g.logger.Warn("Kill switch active, rejecting all signals")
		return nil
	}

	state := g.maybeResetDaily(balance)

	// 1. 熔断：总回撤达到阈值 (含边界) 即永久停止，直到外部重置
	drawdown := (g.capital.Total - balance) / g.capital.Total
	if drawdown >= g.cfg.KillSwitchDrawdown {
		g.killed = true
		g.logger.Error("KILL SWITCH ACTIVATED: drawdown exceeds limit",
			zap.Float64("drawdown_pct", drawdown*100),
			zap.Float64("limit_pct", g.cfg.KillSwitchDrawdown*100))
		return nil
	}

	// 2. 当日已实现亏损上限
	dailyPnL := g.dailyRealizedPnL(ctx, state, balance)
	lossLimit := g.capital.Total * g.cfg.DailyLossLimitPct
	if dailyPnL <= -lossLimit {
		g.logger.Warn("Daily loss limit hit, rejecting all signals",
			zap.Float64("daily_pnl", dailyPnL),
			zap.Float64("limit", lossLimit))
		return nil
	}

	openCount, err := g.store.OpenOrderCount()
	if err != nil {
		g.logger.Warn("Open order count unavailable, assuming 0", zap.Error(err))
		openCount = 0
	}

	maxMargin := g.capital.Total * g.cfg.MaxPositionPct
	lev := float64(g.cfg.Leverage)

	approved := make([]model.OrderSignal, 0, len(signals))
	for _, sig := range signals {
		// 3. 组合挂单上限：达到即停止处理，剩余信号按提交顺序丢弃
		if openCount+len(approved) >= g.cfg.MaxOpenOrders {
			g.logger.Warn("Max open orders reached, dropping remaining signals",
				zap.Int("max", g.cfg.MaxOpenOrders))
			break
		}

		// 4. 单交易对保证金上限：只约束买单，减仓的卖单永远放行
		if sig.Side == model.SideBuy {
			exposure, err := g.store.BuyExposure(sig.Symbol)
			if err != nil {
				g.logger.Warn("Exposure query failed, assuming 0", zap.String("symbol", sig.Symbol), zap.Error(err))
				exposure = 0
			}
			pairMargin := exposure / lev
			sigMargin := sig.Notional() / lev
			if pairMargin+sigMargin > maxMargin {
				g.logger.Warn("Position margin limit, skipping buy",
					zap.String("symbol", sig.Symbol),
					zap.Float64("pair_margin", pairMargin),
					zap.Float64("sig_margin", sigMargin),
					zap.Float64("max_margin", maxMargin))
				continue
			}
		}

		approved = append(approved, sig)
	}

	g.logger.Info("Risk check complete",
		zap.Int("approved", len(approved)),
		zap.Int("total", len(signals)))
	return approved
}

// maybeResetDaily 维护 (当日起始余额, 上次重置时间)。
// 跨过固定本地重置小时后，用当前余额覆盖两个字段，
// 把日亏损检查锚定在日历日而不是滚动 24 小时窗口。
func (g *Gate) maybeResetDaily(balance float64) model.DailyRiskState {
	now := g.now().In(g.loc)
	boundary := time.Date(now.Year(), now.Month(), now.Day(), g.cfg.ResetHour, 0, 0, 0, g.loc)
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}

	state, err := g.store.DailyState()
	if err == nil && state != nil && !state.LastReset.Before(boundary) {
		return *state
	}

	fresh := model.DailyRiskState{StartBalance: balance, LastReset: g.now()}
	if err := g.store.ResetDaily(fresh); err != nil {
		g.logger.Error("Daily risk state reset failed", zap.Error(err))
	} else {
		g.logger.Info("Daily risk state reset",
			zap.Float64("start_balance", balance),
			zap.Int("reset_hour", g.cfg.ResetHour))
	}
	return fresh
}

// dailyRealizedPnL 优先用交易所收益流水；不可用时退化为余额差值。
// 余额差值混入了未实现盈亏，只作为最后的降级手段。
func (g *Gate) dailyRealizedPnL(ctx context.Context, state model.DailyRiskState, balance float64) float64 {
	pnl, err := g.pnl.FetchRealizedPnL(ctx, state.LastReset)
	if err != nil {
		g.logger.Warn("Income query failed, falling back to balance delta (degraded accuracy)", zap.Error(err))
		return balance - state.StartBalance
	}
	return pnl
}
