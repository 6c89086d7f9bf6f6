package ta

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"futures-grid-trader/internal/model"
)

// Params 定义了指标计算所需的全部周期参数
type Params struct {
	RSIPeriod int
	EMAShort  int
	EMALong   int
	BBPeriod  int
	BBStd     float64
	ADXPeriod int
}

// MinWindow 返回指标计算所需的最小 K 线数量。
// 取最长回看周期 +1，保证每个指标至少有一个有效值。
func (p Params) MinWindow() int {
	n := p.EMALong
	if p.BBPeriod > n {
		n = p.BBPeriod
	}
	// ADX 内部有两次平滑，需要约两倍周期的数据
	if 2*p.ADXPeriod > n {
		n = 2 * p.ADXPeriod
	}
	return n + 1
}

const (
	volFastPeriod = 5
	volSlowPeriod = 20
)

// Compute 在给定的 OHLCV 窗口上计算全部指标。
// lookback24h 是换算 24 小时涨跌幅所需的 K 线根数 (依周期而定，15m=96)。
// 指标值为 NaN 时替换为中性默认值，而不是让整个周期失败。
func Compute(candles []model.Candle, p Params, lookback24h int) (model.Indicators, error) {
	if len(candles) < p.MinWindow() {
		return model.Indicators{}, fmt.Errorf("ta: need at least %d candles, got %d", p.MinWindow(), len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	last := len(closes) - 1

	rsi := talib.Rsi(closes, p.RSIPeriod)
	emaShort := talib.Ema(closes, p.EMAShort)
	emaLong := talib.Ema(closes, p.EMALong)
	bbUp, bbMid, bbDn := talib.BBands(closes, p.BBPeriod, p.BBStd, p.BBStd, talib.SMA)
	adx := talib.Adx(highs, lows, closes, p.ADXPeriod)

	ind := model.Indicators{
		RSI:      nz(rsi[last], 50),
		EMAShort: nz(emaShort[last], closes[last]),
		EMALong:  nz(emaLong[last], closes[last]),
		BBUpper:  nz(bbUp[last], closes[last]),
		BBMiddle: nz(bbMid[last], closes[last]),
		BBLower:  nz(bbDn[last], closes[last]),
		ADX:      nz(adx[last], 0),
	}

	ind.VolumeRatio = VolumeRatio(volumes)
	ind.PriceChange24h = PriceChange(closes, lookback24h)

	return ind, nil
}

// VolumeRatio 计算量比：5 周期均量 / 20 周期均量。
// 慢均量为零或数据不足时返回中性值 1.0。
func VolumeRatio(volumes []float64) float64 {
	if len(volumes) < volSlowPeriod {
		return 1.0
	}
	fast := talib.Sma(volumes, volFastPeriod)
	slow := talib.Sma(volumes, volSlowPeriod)
	f := fast[len(fast)-1]
	s := slow[len(slow)-1]
	if s == 0 || math.IsNaN(f) || math.IsNaN(s) {
		return 1.0
	}
	return f / s
}

// PriceChange 计算从 lookback 根 K 线之前到最新收盘价的涨跌幅。
// 窗口不足时回看索引截断到 0。
func PriceChange(closes []float64, lookback int) float64 {
	last := len(closes) - 1
	if last < 0 {
		return 0
	}
	ref := last - lookback
	if ref < 0 {
		ref = 0
	}
	if closes[ref] == 0 {
		return 0
	}
	return (closes[last] - closes[ref]) / closes[ref]
}

// nz 将 NaN 替换为给定的中性默认值
func nz(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
