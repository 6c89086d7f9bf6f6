package engine

import (
	"context"
	"math"

	"go.uber.org/zap"

	"futures-grid-trader/internal/exchange"
	"futures-grid-trader/internal/model"
)

// OrderAPI 是对账器对执行层的最小依赖
type OrderAPI interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
}

// Reconciler 把新生成的信号集与交易所现有挂单对齐，
// 尽量保留仍然有效的挂单 (接近成交的单子撤掉就亏了)，
// 只撤掉偏离新网格的，再补挂缺口。
type Reconciler struct {
	ex          OrderAPI
	minNotional float64
	logger      *zap.Logger
}

// NewReconciler 初始化订单对账器
func NewReconciler(ex OrderAPI, minNotional float64, logger *zap.Logger) *Reconciler {
	return &Reconciler{ex: ex, minNotional: minNotional, logger: logger}
}

// SelectiveRefresh 执行选择性刷新：
//  1. 拉取当前限价挂单 (排除止损/条件类订单)，普通限价单归网格池，
//     reduceOnly 限价单归止盈池，两池互不串单
//  2. 网格信号与网格池、止盈信号与止盈池分别按价格容差匹配，
//     匹配上的保留并重新记账
//  3. 未匹配的挂单撤销，未匹配的信号 (和全部市价 DCA 入场) 新下
//
// 容差 = 当前网格间距的一半。拉取挂单失败时退化为全量下单——
// 宁可冒重复挂单的风险，也不能什么都不做。
func (r *Reconciler) SelectiveRefresh(ctx context.Context, symbol string,
	signals []model.OrderSignal, spacing float64) model.ReconcileResult {

	var result model.ReconcileResult

	resting, err := r.ex.FetchOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn("Open orders fetch failed, placing all signals",
			zap.String("symbol", symbol), zap.Error(err))
		resting = nil
	}

	var liveGrid, liveTP []model.RestingOrder
	for _, o := range resting {
		if o.Type != "limit" || o.IsConditional() {
			continue
		}
		if o.ReduceOnly {
			liveTP = append(liveTP, o)
		} else {
			liveGrid = append(liveGrid, o)
		}
	}

	var gridSigs, tpSigs, marketSigs []model.OrderSignal
	for _, s := range signals {
		switch {
		case s.IsGrid():
			gridSigs = append(gridSigs, s)
		case s.Type == model.SignalDCATakeProfit:
			tpSigs = append(tpSigs, s)
		default:
			// DCA 入场是市价单，永远直接下单
			marketSigs = append(marketSigs, s)
		}
	}

	tolerance := spacing / 2
	toPlace := marketSigs[:len(marketSigs):len(marketSigs)]
	toPlace = append(toPlace, r.matchPool(ctx, symbol, liveGrid, gridSigs, tolerance, &result)...)
	toPlace = append(toPlace, r.matchPool(ctx, symbol, liveTP, tpSigs, tolerance, &result)...)
	r.placeBatch(ctx, toPlace, &result)

	r.logger.Info("Selective refresh done",
		zap.String("symbol", symbol),
		zap.Int("kept", result.Kept),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("placed", result.Placed))
	return result
}

// matchPool 把一组挂单和一组信号按同方向最小价差配对。
// 匹配上的挂单保留并重新写回账本 (周期收尾会统一标记撤销，
// 保留的单子必须重记，否则下个周期的风控会把它算丢)，
// 未匹配的挂单撤销；返回未匹配的信号。
func (r *Reconciler) matchPool(ctx context.Context, symbol string,
	live []model.RestingOrder, sigs []model.OrderSignal,
	tolerance float64, result *model.ReconcileResult) []model.OrderSignal {

	matched := make([]bool, len(sigs))
	for _, order := range live {
		best := -1
		bestDiff := math.MaxFloat64
		for i, sig := range sigs {
			if matched[i] || sig.Side != order.Side || order.Price <= 0 {
				continue
			}
			diff := math.Abs(order.Price-sig.Price) / order.Price
			if diff < tolerance && diff < bestDiff {
				best = i
				bestDiff = diff
			}
		}
		if best >= 0 {
			matched[best] = true
			result.Kept++
			result.Trades = append(result.Trades, model.TradeLog{
				OrderID:   order.ID,
				Symbol:    order.Symbol,
				Side:      order.Side,
				Price:     order.Price,
				Quantity:  order.Quantity,
				Status:    model.StatusOpen,
				Type:      sigs[best].Type,
				Timestamp: sigs[best].Timestamp,
			})
			continue
		}
		// 没有对应的新信号，这张挂单已经过时
		if err := r.ex.CancelOrder(ctx, order.ID, symbol); err != nil {
			r.logger.Warn("Cancel failed, continuing batch",
				zap.String("symbol", symbol), zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		result.Cancelled++
	}

	out := sigs[:0:0]
	for i, sig := range sigs {
		if !matched[i] {
			out = append(out, sig)
		}
	}
	return out
}

// CancelAll 撤掉交易对全部普通限价挂单，返回成功撤销的数量。
// 体制从震荡翻转为趋势时调用：残留的震荡网格会在趋势里
// 连环成交、堆出不想要的仓位。reduceOnly 止盈单不是网格，不撤。
func (r *Reconciler) CancelAll(ctx context.Context, symbol string) int {
	resting, err := r.ex.FetchOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn("Open orders fetch failed, nothing to cancel",
			zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	cancelled := 0
	for _, o := range resting {
		if o.Type != "limit" || o.IsConditional() || o.ReduceOnly {
			continue
		}
		if err := r.ex.CancelOrder(ctx, o.ID, symbol); err != nil {
			r.logger.Warn("Cancel failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		cancelled++
	}
	r.logger.Info("Cancelled all resting grid orders",
		zap.String("symbol", symbol), zap.Int("cancelled", cancelled))
	return cancelled
}

// PlaceAll 不做匹配，直接提交整批信号 (体制翻转后的重建)
func (r *Reconciler) PlaceAll(ctx context.Context, signals []model.OrderSignal) model.ReconcileResult {
	var result model.ReconcileResult
	r.placeBatch(ctx, signals, &result)
	return result
}

func (r *Reconciler) placeBatch(ctx context.Context, signals []model.OrderSignal, result *model.ReconcileResult) {
	for _, sig := range signals {
		trade, ok := r.place(ctx, sig)
		if !ok {
			continue
		}
		result.Placed++
		result.Trades = append(result.Trades, trade)
	}
}

// place 提交单个信号。瞬时错误小次数重试；保证金不足、
// 参数非法等永久错误直接丢弃该信号，不影响批次其余部分。
func (r *Reconciler) place(ctx context.Context, sig model.OrderSignal) (model.TradeLog, bool) {
	if sig.Notional() < r.minNotional {
		r.logger.Warn("Skipping order below minimum notional",
			zap.String("symbol", sig.Symbol),
			zap.Float64("notional", sig.Notional()),
			zap.Float64("min", r.minNotional))
		return model.TradeLog{}, false
	}

	req := exchange.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Quantity: sig.Quantity,
	}
	switch sig.Type {
	case model.SignalDCABuy:
		// DCA 入场要立刻成交，用市价
		req.Type = "MARKET"
	case model.SignalDCATakeProfit:
		// 止盈驻留在目标价位等反弹；价格已越过目标时
		// 交叉限价立即成交，同时保住目标价这条底线
		req.Type = "LIMIT"
		req.Price = sig.Price
		req.ReduceOnly = true
	default:
		// 网格单只做 Maker，吃 maker 费率
		req.Type = "LIMIT"
		req.Price = sig.Price
		req.PostOnly = true
	}

	var res *exchange.OrderResult
	err := exchange.Retry(ctx, func() error {
		var e error
		res, e = r.ex.CreateOrder(ctx, req)
		return e
	})
	if err != nil {
		r.logger.Error("Order rejected, dropping signal",
			zap.String("signal", sig.String()), zap.Error(err))
		return model.TradeLog{}, false
	}

	price := res.AvgPrice
	if price == 0 {
		price = sig.Price
	}
	status := res.Status
	if status == "" {
		status = model.StatusOpen
	}
	r.logger.Info("Order placed",
		zap.String("order_id", res.ID),
		zap.String("signal", sig.String()))

	return model.TradeLog{
		OrderID:   res.ID,
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Price:     price,
		Quantity:  sig.Quantity,
		Filled:    res.FilledQty,
		Fee:       res.Fee,
		Status:    status,
		Type:      sig.Type,
		Timestamp: sig.Timestamp,
	}, true
}
