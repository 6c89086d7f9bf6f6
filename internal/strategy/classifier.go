package strategy

import (
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/model"
	"futures-grid-trader/internal/service"
	"futures-grid-trader/pkg/ta"
)

// Classifier 根据价格/成交量历史判定市场体制和置信度。
// 纯函数式：同样的输入窗口永远得到同样的结果，内部无状态。
type Classifier struct {
	cfg    service.AnalysisConfig
	logger *zap.Logger
}

// NewClassifier 初始化体制分类器
func NewClassifier(cfg service.AnalysisConfig, logger *zap.Logger) *Classifier {
	return &Classifier{cfg: cfg, logger: logger}
}

func (c *Classifier) params() ta.Params {
	return ta.Params{
		RSIPeriod: c.cfg.RSIPeriod,
		EMAShort:  c.cfg.EMAShort,
		EMALong:   c.cfg.EMALong,
		BBPeriod:  c.cfg.BBPeriod,
		BBStd:     c.cfg.BBStd,
		ADXPeriod: c.cfg.ADXPeriod,
	}
}

// Snapshot 在 OHLCV 窗口上计算指标并分类，生成本周期的市场快照
func (c *Classifier) Snapshot(symbol string, candles []model.Candle, lookback24h int) (*model.MarketSnapshot, error) {
	ind, err := ta.Compute(candles, c.params(), lookback24h)
	if err != nil {
		return nil, err
	}
	price := candles[len(candles)-1].Close
	regime, confidence := c.Classify(ind)

	c.logger.Info("Market analyzed",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.String("regime", string(regime)),
		zap.Float64("confidence", confidence),
		zap.Float64("rsi", ind.RSI),
		zap.Float64("adx", ind.ADX),
		zap.Float64("change_24h", ind.PriceChange24h),
		zap.Float64("vol_ratio", ind.VolumeRatio))

	return &model.MarketSnapshot{
		Symbol:     symbol,
		Price:      price,
		Ind:        ind,
		Regime:     regime,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Classify 对指标集做体制判定。优先级从高到低，先命中先返回。
//
// 置信度 = 同意该体制的指标数 / 4。CRASH 判据本身足够严格，
// 置信度固定为 1.0。低置信度 (<0.5) 会让网格间距放宽。
func (c *Classifier) Classify(ind model.Indicators) (model.Regime, float64) {
	// 1. 暴跌：24h 跌幅和 RSI 必须同时满足
	if ind.PriceChange24h <= -c.cfg.CrashDropPct && ind.RSI <= c.cfg.CrashRSIThreshold {
		return model.RegimeCrash, 1.0
	}

	// 2. 趋势：ADX 超过阈值。方向由 EMA 排列决定。
	if ind.ADX >= c.cfg.ADXTrendingThreshold {
		regime := model.RegimeTrendingDown
		if ind.EMAShort > ind.EMALong {
			regime = model.RegimeTrendingUp
		}
		agreeing := 1 // ADX 过阈值本身计 1 票
		if ind.ADX > 30 {
			agreeing++ // 强趋势，不是 25-30 的边缘值
		}
		if ind.VolumeRatio > 1.5 {
			agreeing++ // 放量确认趋势
		}
		if (regime == model.RegimeTrendingUp && ind.RSI > 55) ||
			(regime == model.RegimeTrendingDown && ind.RSI < 45) {
			agreeing++ // RSI 方向一致
		}
		return regime, float64(agreeing) / 4
	}

	// 3. 震荡 (默认)
	agreeing := 1 // ADX 低于阈值计 1 票
	if ind.ADX < 20 {
		agreeing++ // 明显无趋势
	}
	if ind.VolumeRatio < 1.5 {
		agreeing++ // 量能平静
	}
	if ind.RSI > 40 && ind.RSI < 60 {
		agreeing++ // RSI 中性区间
	}
	return model.RegimeRanging, float64(agreeing) / 4
}
