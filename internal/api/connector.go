package api

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PriceCache 保存每个交易对的最新成交价，供周期编排器在
// K 线收盘价之外拿到盘中实时价
type PriceCache struct {
	mu     sync.RWMutex
	points map[string]pricePoint
}

type pricePoint struct {
	price float64
	at    time.Time
}

// NewPriceCache 创建空缓存
func NewPriceCache() *PriceCache {
	return &PriceCache{points: make(map[string]pricePoint)}
}

func (c *PriceCache) update(symbol string, price float64) {
	c.mu.Lock()
	c.points[symbol] = pricePoint{price: price, at: time.Now()}
	c.mu.Unlock()
}

// Fresh 返回交易对在 maxAge 之内的最新价；过期或缺失返回 false
func (c *PriceCache) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	c.mu.RLock()
	p, ok := c.points[symbol]
	c.mu.RUnlock()
	if !ok || time.Since(p.at) > maxAge {
		return 0, false
	}
	return p.price, true
}

// Connector 订阅 Binance 合约的 aggTrade 组合流，
// 把实时成交价写入 PriceCache。断线自动重连。
type Connector struct {
	wsURL   string
	symbols []string
	cache   *PriceCache
	logger  *zap.Logger
}

// NewConnector 初始化行情连接器
func NewConnector(wsURL string, symbols []string, logger *zap.Logger) *Connector {
	return &Connector{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   NewPriceCache(),
		logger:  logger.With(zap.String("component", "ws-connector")),
	}
}

// Cache 返回价格缓存，供编排器读取
func (c *Connector) Cache() *PriceCache {
	return c.cache
}

// streamMessage 是组合流的通用外层结构
type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

// Start 阻塞运行连接循环，ctx 取消后退出。在独立协程中调用。
func (c *Connector) Start(ctx context.Context) {
	streams := make([]string, 0, len(c.symbols))
	for _, s := range c.symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	endpoint := c.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runOnce(ctx, endpoint); err != nil {
			c.logger.Warn("WebSocket connection lost, reconnecting", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Connector) runOnce(ctx context.Context, endpoint string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.logger.Info("WebSocket connected", zap.Int("streams", len(c.symbols)))

	// ctx 取消时强制关闭连接，解除 ReadMessage 阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}
		if price := parsePrice(msg.Data.Price); price > 0 {
			c.cache.update(msg.Data.Symbol, price)
		}
	}
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
