// internal/service/config.go
package service

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name      string
	APIKey    string
	SecretKey string
	RESTURL   string
	WSURL     string
	Testnet   bool
}

// TelegramConfig 定义了 Telegram 通知配置 (BotToken 为空则关闭通知)
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// CapitalConfig 定义了资金分配
type CapitalConfig struct {
	Total      float64 // 起始总资金 (USDT)，回撤和日亏损都以它为基准
	DCAReserve float64 // DCA 抄底专用储备金
}

// RiskConfig 定义了组合级风控限制
type RiskConfig struct {
	MaxPositionPct     float64 // 单交易对保证金占起始资金的最大比例
	MaxOpenOrders      int     // 全组合最大挂单数
	DailyLossLimitPct  float64 // 当日已实现亏损上限 (占起始资金比例)
	KillSwitchDrawdown float64 // 总回撤熔断阈值
	Leverage           int
	ResetHour          int    // 每日风控基准重置的本地小时
	ResetTimezone      string // 重置所用时区，如 "Asia/Manila"
}

// AnalysisConfig 定义了指标周期与体制判定阈值
type AnalysisConfig struct {
	Timeframe            string // K 线周期，如 "15m"
	HistoryLimit         int    // 每次拉取的 K 线数量
	RSIPeriod            int
	EMAShort             int
	EMALong              int
	BBPeriod             int
	BBStd                float64
	ADXPeriod            int
	ADXTrendingThreshold float64
	CrashDropPct         float64 // 24h 跌幅达到该比例视为暴跌候选
	CrashRSIThreshold    float64
}

// DCAConfig 定义了暴跌分批买入参数
type DCAConfig struct {
	EntryPct          float64 // 每次买入占储备金的比例
	AdditionalDropPct float64 // 距上次买入再跌该比例才加仓
	MaxEntries        int     // 单次暴跌事件最大加仓次数
	TakeProfitPct     float64 // 止盈 = 均价 * (1 + TakeProfitPct)
}

// GridConfig 定义了网格生成的全局参数
type GridConfig struct {
	MaxFundingRate float64 // 资金费率超过该值视为极端，跳过增加敞口的一侧
	MinNotional    float64 // 交易所最小名义价值，低于则跳过下单
}

// InstrumentConfig 定义了单个交易对的网格参数。
// 未配置的交易对不参与交易 (类型化的 "no config" 结果，而非 map 缺键崩溃)。
type InstrumentConfig struct {
	Symbol            string  // 交易所符号，如 "BTCUSDT"
	NumGridLevels     int     // 买卖合计的网格层数
	OrderNotional     float64 // 单格下单保证金 (USDT，不含杠杆)
	MinQuantity       float64 // 最小可交易数量
	PricePrecision    int     // 价格小数位
	QuantityPrecision int     // 数量小数位
	Lookback24hBars   int     // 24 小时对应的 K 线根数 (15m=96)
}

// Config 是加载并校验后的全局配置
type Config struct {
	Exchange    ExchangeConfig              `mapstructure:"Exchange"`
	Telegram    TelegramConfig              `mapstructure:"Telegram"`
	Capital     CapitalConfig               `mapstructure:"Capital"`
	Risk        RiskConfig                  `mapstructure:"Risk"`
	Analysis    AnalysisConfig              `mapstructure:"Analysis"`
	DCA         DCAConfig                   `mapstructure:"DCA"`
	Grid        GridConfig                  `mapstructure:"Grid"`
	Instruments map[string]InstrumentConfig `mapstructure:"Instruments"`
	CycleEvery  time.Duration               `mapstructure:"CycleEvery"`
	LogFile     string                      `mapstructure:"LogFile"`
	DBPath      string                      `mapstructure:"DBPath"`
	Heartbeat   string                      `mapstructure:"Heartbeat"`
}

// Instrument 返回指定交易对的网格配置。
// 第二个返回值为 false 表示该交易对未配置，调用方应跳过而不是报错。
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	ic, ok := c.Instruments[symbol]
	return ic, ok
}

// Symbols 返回配置中全部交易对 (稳定顺序由调用方排序决定)
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for s := range c.Instruments {
		out = append(out, s)
	}
	return out
}

// LoadConfig 读取并解析配置文件，加载时即校验
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Analysis.Timeframe == "" {
		cfg.Analysis.Timeframe = "15m"
	}
	if cfg.Analysis.HistoryLimit == 0 {
		cfg.Analysis.HistoryLimit = 100
	}
	if cfg.Analysis.RSIPeriod == 0 {
		cfg.Analysis.RSIPeriod = 14
	}
	if cfg.Analysis.EMAShort == 0 {
		cfg.Analysis.EMAShort = 20
	}
	if cfg.Analysis.EMALong == 0 {
		cfg.Analysis.EMALong = 50
	}
	if cfg.Analysis.BBPeriod == 0 {
		cfg.Analysis.BBPeriod = 20
	}
	if cfg.Analysis.BBStd == 0 {
		cfg.Analysis.BBStd = 2
	}
	if cfg.Analysis.ADXPeriod == 0 {
		cfg.Analysis.ADXPeriod = 14
	}
	if cfg.Analysis.ADXTrendingThreshold == 0 {
		cfg.Analysis.ADXTrendingThreshold = 25
	}
	if cfg.Analysis.CrashDropPct == 0 {
		cfg.Analysis.CrashDropPct = 0.05
	}
	if cfg.Analysis.CrashRSIThreshold == 0 {
		cfg.Analysis.CrashRSIThreshold = 30
	}
	if cfg.DCA.MaxEntries == 0 {
		cfg.DCA.MaxEntries = 3
	}
	if cfg.Risk.Leverage == 0 {
		cfg.Risk.Leverage = 10
	}
	if cfg.Risk.ResetTimezone == "" {
		cfg.Risk.ResetTimezone = "UTC"
	}
	if cfg.CycleEvery == 0 {
		cfg.CycleEvery = time.Minute
	}
	if cfg.Grid.MinNotional == 0 {
		cfg.Grid.MinNotional = 100 // Binance 合约最小名义价值 $100
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "logs/trader.log"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/trader.db"
	}
	if cfg.Heartbeat == "" {
		cfg.Heartbeat = "bot_heartbeat.txt"
	}
	for sym, ic := range cfg.Instruments {
		if ic.Symbol == "" {
			ic.Symbol = sym
		}
		if ic.Lookback24hBars == 0 {
			ic.Lookback24hBars = 96
		}
		cfg.Instruments[sym] = ic
	}
}

// Validate 校验配置的业务合法性
func (c *Config) Validate() error {
	if c.Capital.Total <= 0 {
		return fmt.Errorf("config: Capital.Total must be positive")
	}
	if c.Risk.KillSwitchDrawdown <= 0 || c.Risk.KillSwitchDrawdown >= 1 {
		return fmt.Errorf("config: Risk.KillSwitchDrawdown must be in (0,1)")
	}
	if c.Risk.DailyLossLimitPct <= 0 || c.Risk.DailyLossLimitPct >= 1 {
		return fmt.Errorf("config: Risk.DailyLossLimitPct must be in (0,1)")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("config: Risk.MaxOpenOrders must be positive")
	}
	if c.Risk.ResetHour < 0 || c.Risk.ResetHour > 23 {
		return fmt.Errorf("config: Risk.ResetHour must be in [0,23]")
	}
	if _, err := time.LoadLocation(c.Risk.ResetTimezone); err != nil {
		return fmt.Errorf("config: Risk.ResetTimezone: %w", err)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument required")
	}
	for sym, ic := range c.Instruments {
		if ic.NumGridLevels < 2 {
			return fmt.Errorf("config: instrument %s: NumGridLevels must be >= 2", sym)
		}
		if ic.OrderNotional <= 0 {
			return fmt.Errorf("config: instrument %s: OrderNotional must be positive", sym)
		}
	}
	if c.DCA.EntryPct <= 0 || c.DCA.TakeProfitPct <= 0 || c.DCA.AdditionalDropPct <= 0 {
		return fmt.Errorf("config: DCA percentages must be positive")
	}
	return nil
}
