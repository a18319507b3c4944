package candles

import (
	"math"

	"marketfeed/models"
)

// Stateless indicator math over close-price sequences, oldest first. Every
// function reports ok=false when the series is too short; callers leave the
// indicator absent rather than fabricating a value.

// SMA returns the simple moving average of the last period values.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average over the full series, seeded by
// a simple moving average of the first period values, then
// ema[t] = alpha*price[t] + (1-alpha)*ema[t-1] with alpha = 2/(period+1).
func EMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	seed := 0.0
	for _, c := range closes[:period] {
		seed += c
	}
	ema := seed / float64(period)
	alpha := 2.0 / float64(period+1)
	for _, c := range closes[period:] {
		ema = alpha*c + (1-alpha)*ema
	}
	return ema, true
}

// RSI returns the relative strength index with Wilder smoothing of average
// gain and loss over the trailing window. A series with no losses yields 100,
// no gains yields 0.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := 0.0
		loss := 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// BollingerBands returns bands at multiplier standard deviations around the
// period SMA of the series tail.
func BollingerBands(closes []float64, period int, multiplier float64) (models.Bollinger, bool) {
	mid, ok := SMA(closes, period)
	if !ok {
		return models.Bollinger{}, false
	}
	variance := 0.0
	for _, c := range closes[len(closes)-period:] {
		d := c - mid
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(period))
	return models.Bollinger{
		Upper:  mid + multiplier*stddev,
		Middle: mid,
		Lower:  mid - multiplier*stddev,
	}, true
}
