package ta

import (
	"math"
	"testing"
	"time"

	"futures-grid-trader/internal/model"
)

func testParams() Params {
	return Params{RSIPeriod: 14, EMAShort: 20, EMALong: 50, BBPeriod: 20, BBStd: 2, ADXPeriod: 14}
}

func flatCandles(n int, price, volume float64) []model.Candle {
	out := make([]model.Candle, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = model.Candle{
			Timestamp: ts.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price, High: price, Low: price, Close: price,
			Volume: volume,
		}
	}
	return out
}

func TestMinWindow(t *testing.T) {
	// EMA 50 是最长回看周期 → 51
	if got := testParams().MinWindow(); got != 51 {
		t.Fatalf("MinWindow = %d, want 51", got)
	}
	// ADX 的两次平滑占主导
	p := Params{EMALong: 10, BBPeriod: 10, ADXPeriod: 30}
	if got := p.MinWindow(); got != 61 {
		t.Fatalf("MinWindow = %d, want 61", got)
	}
}

func TestComputeRejectsShortWindow(t *testing.T) {
	if _, err := Compute(flatCandles(10, 50000, 1), testParams(), 96); err == nil {
		t.Fatalf("short window accepted")
	}
}

func TestComputeFlatMarket(t *testing.T) {
	// 恒定价格：指标退化为中性值而不是 NaN
	ind, err := Compute(flatCandles(100, 50000, 1), testParams(), 96)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for name, v := range map[string]float64{
		"RSI": ind.RSI, "EMAShort": ind.EMAShort, "EMALong": ind.EMALong,
		"BBUpper": ind.BBUpper, "BBMiddle": ind.BBMiddle, "BBLower": ind.BBLower,
		"ADX": ind.ADX, "PriceChange24h": ind.PriceChange24h, "VolumeRatio": ind.VolumeRatio,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %v, want finite", name, v)
		}
	}
	if math.Abs(ind.EMAShort-50000) > 1e-6 || math.Abs(ind.EMALong-50000) > 1e-6 {
		t.Errorf("flat market EMA = %v / %v, want 50000", ind.EMAShort, ind.EMALong)
	}
	if ind.PriceChange24h != 0 {
		t.Errorf("flat market change = %v, want 0", ind.PriceChange24h)
	}
}

func TestVolumeRatio(t *testing.T) {
	// 数据不足：中性 1.0
	if got := VolumeRatio([]float64{1, 2, 3}); got != 1.0 {
		t.Fatalf("short data ratio = %v, want 1.0", got)
	}

	// 近 5 根放量一倍：量比 > 1
	volumes := make([]float64, 30)
	for i := range volumes {
		volumes[i] = 100
	}
	for i := 25; i < 30; i++ {
		volumes[i] = 200
	}
	if got := VolumeRatio(volumes); got <= 1.0 {
		t.Fatalf("surge ratio = %v, want > 1.0", got)
	}

	// 全零量能：避免除零，中性 1.0
	if got := VolumeRatio(make([]float64, 30)); got != 1.0 {
		t.Fatalf("zero-volume ratio = %v, want 1.0", got)
	}
}

func TestPriceChange(t *testing.T) {
	closes := []float64{100, 105, 95, 90}

	// 回看 3 根：(90-100)/100 = -10%
	if got := PriceChange(closes, 3); math.Abs(got-(-0.10)) > 1e-12 {
		t.Fatalf("change = %v, want -0.10", got)
	}
	// 回看超出窗口：截断到最早一根
	if got := PriceChange(closes, 100); math.Abs(got-(-0.10)) > 1e-12 {
		t.Fatalf("clamped change = %v, want -0.10", got)
	}
	if got := PriceChange(nil, 10); got != 0 {
		t.Fatalf("empty change = %v, want 0", got)
	}
}
