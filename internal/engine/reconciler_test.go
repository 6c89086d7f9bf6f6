package engine

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"futures-grid-trader/internal/exchange"
	"futures-grid-trader/internal/model"
)

// stubOrderAPI 是 OrderAPI 的脚本化实现，记录全部调用
type stubOrderAPI struct {
	open      []model.RestingOrder
	openErr   error
	cancelErr error
	createErr error

	cancelled []string
	created   []exchange.OrderRequest
	nextID    int
}

func (s *stubOrderAPI) FetchOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error) {
	return s.open, s.openErr
}

func (s *stubOrderAPI) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *stubOrderAPI) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = append(s.created, req)
	s.nextID++
	return &exchange.OrderResult{ID: fmt.Sprintf("ord-%d", s.nextID), Status: model.StatusOpen}, nil
}

func gridSignal(side model.Side, price, qty float64) model.OrderSignal {
	typ := model.SignalGridBuy
	if side == model.SideSell {
		typ = model.SignalGridSell
	}
	return model.OrderSignal{Symbol: "BTCUSDT", Side: side, Price: price, Quantity: qty, Type: typ}
}

func limitOrder(id string, side model.Side, price float64) model.RestingOrder {
	return model.RestingOrder{
		ID:       id,
		Symbol:   "BTCUSDT",
		Side:     side,
		Price:    price,
		Quantity: 0.003,
		Type:     "limit",
		RawType:  "LIMIT",
	}
}

func TestSelectiveRefreshKeepsMatching(t *testing.T) {
	// 间距 1% → 容差 0.5%。49400 距新层 49500 约 0.2%：保留；
	// 48000 距两个买层都超过容差：撤销重挂。
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("keep-1", model.SideBuy, 49400),
		limitOrder("stale-1", model.SideBuy, 48000),
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	signals := []model.OrderSignal{
		gridSignal(model.SideBuy, 49500, 0.003),
		gridSignal(model.SideBuy, 49000, 0.003),
		gridSignal(model.SideSell, 50500, 0.003),
	}
	result := r.SelectiveRefresh(context.Background(), "BTCUSDT", signals, 0.01)

	if result.Kept != 1 || result.Cancelled != 1 || result.Placed != 2 {
		t.Fatalf("result = %+v, want kept 1 / cancelled 1 / placed 2", result)
	}
	if len(ex.cancelled) != 1 || ex.cancelled[0] != "stale-1" {
		t.Fatalf("cancelled = %v, want [stale-1]", ex.cancelled)
	}
	// 被保留的 49500 层不会重挂
	for _, req := range ex.created {
		if req.Side == model.SideBuy && req.Price == 49500 {
			t.Fatalf("matched level re-placed: %+v", req)
		}
	}
}

func TestSelectiveRefreshSideMustMatch(t *testing.T) {
	// 价格吻合但方向相反：不能匹配
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("wrong-side", model.SideSell, 49500),
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{gridSignal(model.SideBuy, 49500, 0.003)}, 0.01)

	if result.Kept != 0 || result.Cancelled != 1 || result.Placed != 1 {
		t.Fatalf("result = %+v, want kept 0 / cancelled 1 / placed 1", result)
	}
}

func TestSelectiveRefreshClosestWins(t *testing.T) {
	// 一张挂单同时落在两层容差内：只吃掉最近的那一层
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("near", model.SideBuy, 49490),
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	signals := []model.OrderSignal{
		gridSignal(model.SideBuy, 49500, 0.003),
		gridSignal(model.SideBuy, 49300, 0.003),
	}
	result := r.SelectiveRefresh(context.Background(), "BTCUSDT", signals, 0.01)

	if result.Kept != 1 || result.Placed != 1 {
		t.Fatalf("result = %+v, want kept 1 / placed 1", result)
	}
	if len(ex.created) != 1 || ex.created[0].Price != 49300 {
		t.Fatalf("created = %+v, want the farther 49300 level placed", ex.created)
	}
}

func TestSelectiveRefreshFetchFailure(t *testing.T) {
	// 拉取挂单失败：退化为全量下单，绝不什么都不做
	ex := &stubOrderAPI{openErr: &exchange.Error{Kind: exchange.KindPermanent, Op: "openOrders", Msg: "down"}}
	r := NewReconciler(ex, 100, zap.NewNop())

	signals := []model.OrderSignal{
		gridSignal(model.SideBuy, 49500, 0.003),
		gridSignal(model.SideSell, 50500, 0.003),
	}
	result := r.SelectiveRefresh(context.Background(), "BTCUSDT", signals, 0.01)

	if result.Placed != 2 || result.Kept != 0 || result.Cancelled != 0 {
		t.Fatalf("result = %+v, want all placed on fetch failure", result)
	}
}

func TestSelectiveRefreshIgnoresConditional(t *testing.T) {
	// 止损类条件单不属于网格，不参与匹配也不会被撤
	ex := &stubOrderAPI{open: []model.RestingOrder{
		{ID: "stop-1", Symbol: "BTCUSDT", Side: model.SideSell, Price: 47000,
			Quantity: 0.01, Type: "limit", RawType: "STOP_MARKET"},
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{gridSignal(model.SideBuy, 49500, 0.003)}, 0.01)

	if result.Cancelled != 0 {
		t.Fatalf("conditional order cancelled")
	}
	if len(ex.cancelled) != 0 {
		t.Fatalf("cancelled = %v, want none", ex.cancelled)
	}
}

func TestDCASignalsAlwaysPlaced(t *testing.T) {
	// DCA 信号不参与价格匹配，永远直接下单
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("resting", model.SideBuy, 48000),
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	dcaBuy := model.OrderSignal{
		Symbol: "BTCUSDT", Side: model.SideBuy, Price: 48000, Quantity: 0.003, Type: model.SignalDCABuy,
	}
	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{dcaBuy}, 0.01)

	if result.Placed != 1 {
		t.Fatalf("dca signal not placed: %+v", result)
	}
	if len(ex.created) != 1 || ex.created[0].Type != "MARKET" {
		t.Fatalf("dca entry = %+v, want MARKET order", ex.created)
	}
}

func TestPlaceOrderTypes(t *testing.T) {
	ex := &stubOrderAPI{}
	r := NewReconciler(ex, 100, zap.NewNop())

	signals := []model.OrderSignal{
		gridSignal(model.SideBuy, 49500, 0.003),
		{Symbol: "BTCUSDT", Side: model.SideBuy, Price: 48000, Quantity: 0.003, Type: model.SignalDCABuy},
		{Symbol: "BTCUSDT", Side: model.SideSell, Price: 50500, Quantity: 0.005, Type: model.SignalDCATakeProfit},
	}
	r.PlaceAll(context.Background(), signals)

	if len(ex.created) != 3 {
		t.Fatalf("created = %d, want 3", len(ex.created))
	}
	grid, entry, tp := ex.created[0], ex.created[1], ex.created[2]
	if grid.Type != "LIMIT" || !grid.PostOnly {
		t.Errorf("grid order = %+v, want post-only LIMIT", grid)
	}
	if entry.Type != "MARKET" || entry.ReduceOnly {
		t.Errorf("dca entry = %+v, want plain MARKET", entry)
	}
	if tp.Type != "LIMIT" || !tp.ReduceOnly || tp.Price != 50500 {
		t.Errorf("take-profit = %+v, want reduce-only LIMIT at target", tp)
	}
}

func takeProfitSignal(price, qty float64) model.OrderSignal {
	return model.OrderSignal{
		Symbol: "BTCUSDT", Side: model.SideSell, Price: price, Quantity: qty, Type: model.SignalDCATakeProfit,
	}
}

func tpOrder(id string, price float64) model.RestingOrder {
	return model.RestingOrder{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       model.SideSell,
		Price:      price,
		Quantity:   0.0025,
		Type:       "limit",
		RawType:    "LIMIT",
		ReduceOnly: true,
	}
}

// 仓位活跃期间的止盈信号必须作为限价单驻留在目标价位，
// 绝不能在暴跌的现价上市价卖掉仓位
func TestTakeProfitRestsAtTarget(t *testing.T) {
	ex := &stubOrderAPI{}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{takeProfitSignal(50500, 0.0025)}, 0.01)

	if result.Placed != 1 || len(ex.created) != 1 {
		t.Fatalf("result = %+v, want take-profit placed", result)
	}
	got := ex.created[0]
	if got.Type == "MARKET" {
		t.Fatalf("take-profit submitted as MARKET, would sell at crashed price")
	}
	if got.Type != "LIMIT" || got.Price != 50500 || !got.ReduceOnly {
		t.Fatalf("take-profit = %+v, want reduce-only LIMIT @ 50500", got)
	}
}

// 目标价没变时，上个周期的止盈挂单保留，不会越挂越多
func TestTakeProfitNotStacked(t *testing.T) {
	ex := &stubOrderAPI{open: []model.RestingOrder{tpOrder("tp-1", 50500)}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{takeProfitSignal(50500, 0.0025)}, 0.01)

	if result.Kept != 1 || result.Placed != 0 || result.Cancelled != 0 {
		t.Fatalf("result = %+v, want existing take-profit kept", result)
	}
	if len(ex.created) != 0 {
		t.Fatalf("duplicate take-profit placed: %+v", ex.created)
	}
}

// 加仓后均价下移：旧止盈单撤掉，新目标价重挂
func TestTakeProfitFollowsAverageDown(t *testing.T) {
	ex := &stubOrderAPI{open: []model.RestingOrder{tpOrder("tp-old", 50500)}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{takeProfitSignal(49000, 0.0051)}, 0.01)

	if result.Cancelled != 1 || result.Placed != 1 || result.Kept != 0 {
		t.Fatalf("result = %+v, want old cancelled + new placed", result)
	}
	if len(ex.cancelled) != 1 || ex.cancelled[0] != "tp-old" {
		t.Fatalf("cancelled = %v, want [tp-old]", ex.cancelled)
	}
	if len(ex.created) != 1 || ex.created[0].Price != 49000 {
		t.Fatalf("created = %+v, want take-profit re-placed at 49000", ex.created)
	}
}

// 网格池和止盈池互不串单：同价位的网格卖单信号
// 不会被 reduceOnly 止盈挂单吃掉
func TestTakeProfitPoolSeparateFromGrid(t *testing.T) {
	ex := &stubOrderAPI{open: []model.RestingOrder{tpOrder("tp-1", 50500)}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{gridSignal(model.SideSell, 50500, 0.003)}, 0.01)

	// 网格信号照常下单；没有止盈信号，驻留的止盈单撤销
	if result.Placed != 1 || result.Kept != 0 || result.Cancelled != 1 {
		t.Fatalf("result = %+v, want grid placed / tp cancelled", result)
	}
	if len(ex.created) != 1 || !ex.created[0].PostOnly {
		t.Fatalf("created = %+v, want post-only grid sell", ex.created)
	}
}

// 保留的挂单重新写回账本，否则周期收尾的统一撤销标记
// 会让下个周期的风控把它算丢
func TestKeptOrdersRelogged(t *testing.T) {
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("keep-1", model.SideBuy, 49500),
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.SelectiveRefresh(context.Background(), "BTCUSDT",
		[]model.OrderSignal{gridSignal(model.SideBuy, 49500, 0.003)}, 0.01)

	if result.Kept != 1 {
		t.Fatalf("result = %+v, want kept 1", result)
	}
	found := false
	for _, tr := range result.Trades {
		if tr.OrderID == "keep-1" {
			found = true
			if tr.Status != model.StatusOpen {
				t.Fatalf("kept order status = %s, want OPEN", tr.Status)
			}
			if tr.Price != 49500 || tr.Side != model.SideBuy {
				t.Fatalf("kept order relogged wrong: %+v", tr)
			}
		}
	}
	if !found {
		t.Fatalf("kept order missing from trades: %+v", result.Trades)
	}
}

func TestPlaceSkipsBelowMinNotional(t *testing.T) {
	ex := &stubOrderAPI{}
	r := NewReconciler(ex, 100, zap.NewNop())

	// 名义 49.5 < 100：跳过，不算失败
	result := r.PlaceAll(context.Background(),
		[]model.OrderSignal{gridSignal(model.SideBuy, 49500, 0.001)})

	if result.Placed != 0 || len(ex.created) != 0 {
		t.Fatalf("sub-minimum order placed: %+v", result)
	}
}

func TestPlaceDropsRejectedSignal(t *testing.T) {
	// 永久性拒绝 (保证金不足) 丢弃该信号，批次其余继续
	ex := &stubOrderAPI{createErr: &exchange.Error{Kind: exchange.KindInsufficientMargin, Op: "createOrder", Msg: "margin"}}
	r := NewReconciler(ex, 100, zap.NewNop())

	result := r.PlaceAll(context.Background(),
		[]model.OrderSignal{gridSignal(model.SideBuy, 49500, 0.003)})

	if result.Placed != 0 {
		t.Fatalf("rejected order counted as placed: %+v", result)
	}
}

func TestCancelAll(t *testing.T) {
	// 条件单和 reduceOnly 止盈单都不是网格，翻转清场时留在原地
	ex := &stubOrderAPI{open: []model.RestingOrder{
		limitOrder("a", model.SideBuy, 49000),
		limitOrder("b", model.SideSell, 51000),
		tpOrder("tp-1", 50500),
		{ID: "stop", Symbol: "BTCUSDT", Side: model.SideSell, Price: 47000,
			Quantity: 0.01, Type: "limit", RawType: "STOP_MARKET"},
	}}
	r := NewReconciler(ex, 100, zap.NewNop())

	if got := r.CancelAll(context.Background(), "BTCUSDT"); got != 2 {
		t.Fatalf("cancelled = %d, want 2 (conditional and reduce-only excluded)", got)
	}
	for _, id := range ex.cancelled {
		if id == "tp-1" || id == "stop" {
			t.Fatalf("non-grid order %s cancelled", id)
		}
	}
}
