package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"futures-grid-trader/internal/model"
)

// BinanceConfig 定义了 Binance USDⓈ-M 合约客户端所需配置
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	RESTURL   string // 生产: https://fapi.binance.com，测试网走对应地址
}

// BinanceFutures 实现了 Exchange 接口，通过 REST API 访问 Binance 合约
type BinanceFutures struct {
	cfg    *BinanceConfig
	client *resty.Client
	logger *zap.Logger

	mu          sync.RWMutex
	precisions  map[string]symbolPrecision // Key: 交易所符号
	leverageSet map[string]int             // 已设置过杠杆的交易对
}

type symbolPrecision struct {
	price int
	qty   int
}

// NewBinanceFutures 初始化 Binance 合约客户端
func NewBinanceFutures(cfg *BinanceConfig, logger *zap.Logger) *BinanceFutures {
	client := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(30 * time.Second).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &BinanceFutures{
		cfg:         cfg,
		client:      client,
		logger:      logger.With(zap.String("exchange", "binance-futures")),
		precisions:  make(map[string]symbolPrecision),
		leverageSet: make(map[string]int),
	}
}

// apiError 是 Binance 的标准错误响应体
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify 把 HTTP 状态码和 Binance 错误码映射到错误分类
func classify(op string, status int, ae apiError) *Error {
	kind := KindPermanent
	switch {
	case status == 429 || status == 418 || status >= 500:
		kind = KindTransient
	case ae.Code == -1001 || ae.Code == -1003 || ae.Code == -1021:
		// 内部错误 / 限频 / 时间戳漂移
		kind = KindTransient
	case ae.Code == -2019:
		kind = KindInsufficientMargin
	case ae.Code == -1111 || ae.Code == -1013 || ae.Code == -4164:
		// 精度非法 / 过滤器拒绝 / 低于最小名义价值
		kind = KindInvalidOrder
	}
	return &Error{Kind: kind, Op: op, Code: ae.Code, Msg: ae.Msg}
}

func (b *BinanceFutures) do(ctx context.Context, op, method, path string, params map[string]string, signed bool, out any) error {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", "60000")
		mac := hmac.New(sha256.New, []byte(b.cfg.SecretKey))
		mac.Write([]byte(values.Encode()))
		values.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}

	req := b.client.R().SetContext(ctx).SetQueryString(values.Encode())
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Msg: err.Error()}
	}

	if resp.StatusCode() >= 400 {
		var ae apiError
		_ = json.Unmarshal(resp.Body(), &ae)
		return classify(op, resp.StatusCode(), ae)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return &Error{Kind: KindPermanent, Op: op, Msg: "decode response: " + err.Error()}
		}
	}
	return nil
}

// LoadMarkets 拉取 exchangeInfo，缓存每个交易对的价格/数量精度。
// 启动时调用一次；失败则保持空缓存，取整退化为不处理。
func (b *BinanceFutures) LoadMarkets(ctx context.Context) error {
	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
		} `json:"symbols"`
	}
	if err := b.do(ctx, "exchangeInfo", "GET", "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		b.precisions[s.Symbol] = symbolPrecision{price: s.PricePrecision, qty: s.QuantityPrecision}
	}
	b.logger.Info("Markets loaded", zap.Int("symbols", len(info.Symbols)))
	return nil
}

// CreateOrder 下单。网格单用 PostOnly 限价 (GTX)，DCA 用市价。
func (b *BinanceFutures) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"type":     req.Type,
		"quantity": trimFloat(req.Quantity),
	}
	if req.Type == "LIMIT" {
		params["price"] = trimFloat(req.Price)
		if req.PostOnly {
			params["timeInForce"] = "GTX"
		} else {
			params["timeInForce"] = "GTC"
		}
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := b.do(ctx, "createOrder", "POST", "/fapi/v1/order", params, true, &raw); err != nil {
		return nil, err
	}
	return &OrderResult{
		ID:        strconv.FormatInt(raw.OrderID, 10),
		Status:    mapStatus(raw.Status),
		FilledQty: parseF(raw.ExecutedQty),
		AvgPrice:  parseF(raw.AvgPrice),
	}, nil
}

// CancelOrder 撤销单个订单
func (b *BinanceFutures) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	return b.do(ctx, "cancelOrder", "DELETE", "/fapi/v1/order", params, true, nil)
}

// FetchOpenOrders 查询当前挂单
func (b *BinanceFutures) FetchOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error) {
	var raw []struct {
		OrderID    int64  `json:"orderId"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Price      string `json:"price"`
		OrigQty    string `json:"origQty"`
		Type       string `json:"type"`
		ReduceOnly bool   `json:"reduceOnly"`
	}
	params := map[string]string{"symbol": symbol}
	if err := b.do(ctx, "openOrders", "GET", "/fapi/v1/openOrders", params, true, &raw); err != nil {
		return nil, err
	}
	out := make([]model.RestingOrder, 0, len(raw))
	for _, o := range raw {
		normalized := "limit"
		if o.Type == "MARKET" {
			normalized = "market"
		}
		out = append(out, model.RestingOrder{
			ID:         strconv.FormatInt(o.OrderID, 10),
			Symbol:     o.Symbol,
			Side:       model.Side(o.Side),
			Price:      parseF(o.Price),
			Quantity:   parseF(o.OrigQty),
			Type:       normalized,
			RawType:    o.Type,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// FetchPositions 查询持仓。positionAmt 正为多、负为空
func (b *BinanceFutures) FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error) {
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := b.do(ctx, "positionRisk", "GET", "/fapi/v2/positionRisk", nil, true, &raw); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []model.Position
	for _, p := range raw {
		if len(want) > 0 && !want[p.Symbol] {
			continue
		}
		amt := parseF(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
		}
		out = append(out, model.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      math.Abs(amt),
			EntryPrice:    parseF(p.EntryPrice),
			MarkPrice:     parseF(p.MarkPrice),
			UnrealizedPnL: parseF(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// FetchBalance 查询 USDT 余额
func (b *BinanceFutures) FetchBalance(ctx context.Context) (*model.Balance, error) {
	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := b.do(ctx, "balance", "GET", "/fapi/v2/balance", nil, true, &raw); err != nil {
		return nil, err
	}
	for _, a := range raw {
		if a.Asset != "USDT" {
			continue
		}
		total := parseF(a.Balance)
		free := parseF(a.AvailableBalance)
		return &model.Balance{
			Free:          free,
			Used:          total - free,
			Total:         total,
			WalletBalance: total,
		}, nil
	}
	return nil, &Error{Kind: KindPermanent, Op: "balance", Msg: "no USDT asset in response"}
}

// FetchFundingRate 查询最新资金费率
func (b *BinanceFutures) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	params := map[string]string{"symbol": symbol}
	if err := b.do(ctx, "premiumIndex", "GET", "/fapi/v1/premiumIndex", params, false, &raw); err != nil {
		return 0, err
	}
	return parseF(raw.LastFundingRate), nil
}

// FetchOHLCV 拉取 K 线
func (b *BinanceFutures) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	var raw [][]any
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if err := b.do(ctx, "klines", "GET", "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		ts, _ := k[0].(float64)
		out = append(out, model.Candle{
			Timestamp: time.UnixMilli(int64(ts)),
			Open:      anyF(k[1]),
			High:      anyF(k[2]),
			Low:       anyF(k[3]),
			Close:     anyF(k[4]),
			Volume:    anyF(k[5]),
		})
	}
	return out, nil
}

// FetchRealizedPnL 汇总 since 之后的已实现盈亏收益流水。
// 这是日亏损检查的权威来源；不可用时调用方退化为余额差值。
func (b *BinanceFutures) FetchRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var raw []struct {
		Income string `json:"income"`
	}
	params := map[string]string{
		"incomeType": "REALIZED_PNL",
		"startTime":  strconv.FormatInt(since.UnixMilli(), 10),
		"limit":      "1000",
	}
	if err := b.do(ctx, "income", "GET", "/fapi/v1/income", params, true, &raw); err != nil {
		return 0, err
	}
	var sum float64
	for _, e := range raw {
		sum += parseF(e.Income)
	}
	return sum, nil
}

// SetLeverage 设置杠杆，已设置过的交易对直接跳过
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.RLock()
	current := b.leverageSet[symbol]
	b.mu.RUnlock()
	if current == leverage {
		return nil
	}
	params := map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}
	if err := b.do(ctx, "leverage", "POST", "/fapi/v1/leverage", params, true, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.leverageSet[symbol] = leverage
	b.mu.Unlock()
	b.logger.Info("Leverage set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// RoundPrice 按交易对价格精度取整
func (b *BinanceFutures) RoundPrice(symbol string, price float64) float64 {
	b.mu.RLock()
	p, ok := b.precisions[symbol]
	b.mu.RUnlock()
	if !ok {
		return price
	}
	return roundTo(price, p.price)
}

// RoundQuantity 按交易对数量精度取整
func (b *BinanceFutures) RoundQuantity(symbol string, qty float64) float64 {
	b.mu.RLock()
	p, ok := b.precisions[symbol]
	b.mu.RUnlock()
	if !ok {
		return qty
	}
	return roundTo(qty, p.qty)
}

func roundTo(v float64, decimals int) float64 {
	f := math.Pow10(decimals)
	return math.Round(v*f) / f
}

func mapStatus(s string) model.OrderStatus {
	switch s {
	case "NEW":
		return model.StatusOpen
	case "FILLED":
		return model.StatusFilled
	case "PARTIALLY_FILLED":
		return model.StatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return model.StatusCancelled
	}
	return model.StatusPending
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func anyF(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseF(t)
	case float64:
		return t
	}
	return 0
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
