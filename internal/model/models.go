package model

import (
	"fmt"
	"time"
)

// Regime 定义了市场体制分类
type Regime string

const (
	RegimeRanging      Regime = "RANGING"       // 震荡市 (网格策略)
	RegimeTrendingUp   Regime = "TRENDING_UP"   // 上升趋势 (暂停网格，仅减仓)
	RegimeTrendingDown Regime = "TRENDING_DOWN" // 下降趋势 (暂停网格，仅减仓)
	RegimeCrash        Regime = "CRASH"         // 暴跌 (DCA 分批抄底)
)

// IsTrending 判断是否为趋势市 (上升或下降)
func (r Regime) IsTrending() bool {
	return r == RegimeTrendingUp || r == RegimeTrendingDown
}

// Indicators 存储一个周期内计算出的全部技术指标
type Indicators struct {
	RSI            float64
	EMAShort       float64
	EMALong        float64
	BBUpper        float64
	BBMiddle       float64
	BBLower        float64
	ADX            float64
	PriceChange24h float64 // 24 小时涨跌幅 (比例，-0.05 表示跌 5%)
	VolumeRatio    float64 // 量比 = 5 周期均量 / 20 周期均量
}

// MarketSnapshot 是每个周期、每个交易对生成一次的市场快照。
// 创建后不可变，供信号生成器消费。
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	Ind        Indicators
	Regime     Regime
	Confidence float64 // 体制置信度 [0,1]
	Timestamp  time.Time
}

// Side 定义了订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SignalType 定义了信号类型
type SignalType string

const (
	SignalGridBuy       SignalType = "GRID_BUY"
	SignalGridSell      SignalType = "GRID_SELL"
	SignalDCABuy        SignalType = "DCA_BUY"
	SignalDCATakeProfit SignalType = "DCA_TAKE_PROFIT"
)

// OrderSignal 是策略层向执行层发出的下单意图。
// 只在单个周期内存活，不会被直接持久化。
type OrderSignal struct {
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	Type      SignalType
	Timestamp time.Time
}

// IsGrid 判断信号是否属于网格类型 (参与选择性刷新的匹配)
func (s OrderSignal) IsGrid() bool {
	return s.Type == SignalGridBuy || s.Type == SignalGridSell
}

// Notional 返回信号的名义价值 (USDT)
func (s OrderSignal) Notional() float64 {
	return s.Price * s.Quantity
}

func (s OrderSignal) String() string {
	return fmt.Sprintf("%s %s %s %.6f @ %.4f", s.Symbol, s.Type, s.Side, s.Quantity, s.Price)
}

// DCAPosition 跟踪一次暴跌事件中的分批买入仓位。
// 不变式: TotalQty > 0 时 AvgEntryPrice == TotalCost/TotalQty；
// Entries 不超过配置的最大加仓次数。关闭后只置 Active=false，不删除。
type DCAPosition struct {
	ID             int64
	Symbol         string
	Entries        int
	TotalQty       float64
	TotalCost      float64 // 累计名义成本 (数量 × 成交价，USDT)
	AvgEntryPrice  float64
	LastEntryPrice float64
	Active         bool
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// DailyRiskState 记录每日风控基准。逻辑上全局只有一行，
// 每个日历日 (以固定本地时区的重置小时为界) 重置一次。
type DailyRiskState struct {
	StartBalance float64   // 当日起始余额
	LastReset    time.Time // 上次重置时间
}

// RestingOrder 是交易所当前挂单的只读视图，供对账器消费
type RestingOrder struct {
	ID         string
	Symbol     string
	Side       Side
	Price      float64
	Quantity   float64
	Type       string // 规范化类型: "limit" / "market"
	RawType    string // 交易所原始类型，如 "STOP_MARKET"
	ReduceOnly bool   // 只减仓挂单 (止盈单)，与网格挂单分池对账
}

// IsConditional 判断挂单是否为条件/止损类订单 (不参与网格对账)
func (o RestingOrder) IsConditional() bool {
	switch o.RawType {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET", "TRAILING_STOP_MARKET":
		return true
	}
	return false
}

// ReconcileResult 汇总一次对账的结果，向上层报告
type ReconcileResult struct {
	Kept      int
	Cancelled int
	Placed    int
	Trades    []TradeLog
}

// Position 是交易所当前持仓的只读视图
type Position struct {
	Symbol        string
	Side          string // "long" / "short"，无仓位时为空
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// IsOpen 判断是否存在有效持仓
func (p Position) IsOpen() bool {
	return p.Quantity > 0 && (p.Side == "long" || p.Side == "short")
}

// Notional 返回持仓名义价值
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// Balance 是账户余额视图
type Balance struct {
	Free          float64
	Used          float64
	Total         float64
	WalletBalance float64
}

// OrderStatus 定义了订单在本地账本中的状态
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusFailed          OrderStatus = "FAILED"
)

// TradeLog 记录一笔已提交订单，写入本地交易账本
type TradeLog struct {
	OrderID   string
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	Filled    float64
	Fee       float64
	Status    OrderStatus
	Type      SignalType
	Timestamp time.Time
}

// Candle 代表一根 OHLCV K 线
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
