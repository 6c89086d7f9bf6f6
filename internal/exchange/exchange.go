package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-grid-trader/internal/model"
)

// ErrorKind 对交易所错误分类，调用方据此决定重试/跳过/中止
type ErrorKind int

const (
	// KindTransient 瞬时错误 (超时、限频、网络抖动)：可以小次数重试
	KindTransient ErrorKind = iota
	// KindInsufficientMargin 保证金不足：该信号直接丢弃，不重试
	KindInsufficientMargin
	// KindInvalidOrder 订单参数非法 (精度、最小数量等)：不重试
	KindInvalidOrder
	// KindPermanent 其他永久性错误：不重试
	KindPermanent
)

// Error 是带分类的交易所错误
type Error struct {
	Kind ErrorKind
	Op   string // 发生错误的操作，如 "createOrder"
	Code int    // 交易所返回的错误码 (无则为 0)
	Msg  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange: %s: code=%d %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Op, e.Msg)
}

// IsTransient 判断错误是否值得重试
func IsTransient(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind == KindTransient
	}
	// 未分类的错误 (如底层网络错误) 按瞬时处理
	return err != nil
}

// OrderRequest 定义了一次下单请求
type OrderRequest struct {
	Symbol     string
	Type       string // "LIMIT" / "MARKET"
	Side       model.Side
	Quantity   float64
	Price      float64 // 市价单忽略
	PostOnly   bool    // 只做 Maker (GTX)
	ReduceOnly bool    // 只减仓，用于平仓类订单
}

// OrderResult 是下单成功后的回执
type OrderResult struct {
	ID        string
	Status    model.OrderStatus
	FilledQty float64
	AvgPrice  float64
	Fee       float64
}

// Exchange 是交易执行器的通用接口，负责与交易所通信。
// 所有调用都是同步的，带 context 超时。
type Exchange interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error)
	FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error)
	FetchBalance(ctx context.Context) (*model.Balance, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)

	// FetchRealizedPnL 返回 since 之后的已实现盈亏 (来自交易所收益流水)
	FetchRealizedPnL(ctx context.Context, since time.Time) (float64, error)

	// SetLeverage 设置交易对杠杆，幂等
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// 按交易对精度取整价格/数量
	RoundPrice(symbol string, price float64) float64
	RoundQuantity(symbol string, qty float64) float64
}

// MaxAttempts 瞬时错误的固定重试次数，不做指数退避
const MaxAttempts = 3

// Retry 对瞬时错误做固定次数重试；永久性错误立即返回
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	return err
}
