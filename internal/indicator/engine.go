// Package indicator computes volatility and technical indicators over OHLCV
// series and classifies market regimes from the results.
//
// Every rolling computation uses minimum-periods semantics: a value is nil
// until its window is fully populated, never a partial-window estimate. At
// the output boundary non-finite floats are coerced to 0.
package indicator

import (
	"math"
	"time"
)

// Fixed indicator parameters.
const (
	RSIPeriod       = 14
	BollingerPeriod = 20
	BollingerStdDev = 2.0
	MomentumPeriod  = 10
)

// Moving-average windows.
var maWindows = [3]int{7, 25, 99}

// volatilityWindows maps a timeframe to its rolling stdev window.
var volatilityWindows = map[string]int{
	"1m": 1440, "5m": 288, "15m": 96, "30m": 48,
	"1h": 24, "4h": 30, "1d": 20, "1w": 12,
}

// annualizationFactors maps a timeframe to its periods-per-year multiplier.
var annualizationFactors = map[string]float64{
	"1m": 525600, "5m": 105120, "15m": 35040, "30m": 17520,
	"1h": 8760, "4h": 2190, "1d": 252, "1w": 52,
}

// Window returns the volatility window for a timeframe, defaulting to 20.
func Window(timeframe string) int {
	if w, ok := volatilityWindows[timeframe]; ok {
		return w
	}
	return 20
}

// Annualization returns the annualization factor for a timeframe,
// defaulting to 252.
func Annualization(timeframe string) float64 {
	if a, ok := annualizationFactors[timeframe]; ok {
		return a
	}
	return 252
}

// Candle is one OHLCV bar, ordered ascending by timestamp.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Row is one candle enriched with indicators. Pointer fields are nil while
// their rolling window is not yet populated.
type Row struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	Return             *float64 `json:"returns"`
	LogReturn          *float64 `json:"log_returns"`
	Volatility         *float64 `json:"volatility"`
	RealizedVolatility *float64 `json:"realized_volatility"`

	MA7  *float64 `json:"ma7"`
	MA25 *float64 `json:"ma25"`
	MA99 *float64 `json:"ma99"`
	RSI  *float64 `json:"rsi"`

	BollUpper  *float64 `json:"bb_upper"`
	BollMiddle *float64 `json:"bb_middle"`
	BollLower  *float64 `json:"bb_lower"`
	BollWidth  *float64 `json:"bb_width"`

	PriceMomentum  *float64 `json:"price_momentum"`
	VolumeMomentum *float64 `json:"volume_momentum"`
}

// Compute derives all indicators for one (symbol, timeframe) series. The
// input must be sorted ascending; output rows align one-to-one with input.
func Compute(timeframe string, candles []Candle) []Row {
	n := len(candles)
	rows := make([]Row, n)
	if n == 0 {
		return rows
	}

	window := Window(timeframe)
	annualize := math.Sqrt(Annualization(timeframe))

	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		rows[i] = Row{
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	// Simple and log returns. Index 0 has no prior close.
	returns := make([]*float64, n)
	logReturns := make([]*float64, n)
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 {
			returns[i] = fptr(closes[i]/closes[i-1] - 1)
		}
		if closes[i-1] > 0 && closes[i] > 0 {
			logReturns[i] = fptr(math.Log(closes[i] / closes[i-1]))
		}
		rows[i].Return = returns[i]
		rows[i].LogReturn = logReturns[i]
	}

	// Annualized rolling volatility, expressed as a percentage. The window
	// counts candle positions; the leading nil return is skipped.
	for i := window - 1; i < n; i++ {
		if sd, ok := rollingStdev(returns, i-window+1, i); ok {
			rows[i].Volatility = fptr(sd * annualize * 100)
		}
		if sd, ok := rollingStdev(logReturns, i-window+1, i); ok {
			rows[i].RealizedVolatility = fptr(sd * annualize * 100)
		}
	}

	// Moving averages.
	mas := [3]func(*Row) **float64{
		func(r *Row) **float64 { return &r.MA7 },
		func(r *Row) **float64 { return &r.MA25 },
		func(r *Row) **float64 { return &r.MA99 },
	}
	for k, w := range maWindows {
		for i := w - 1; i < n; i++ {
			*mas[k](&rows[i]) = fptr(mean(closes[i-w+1 : i+1]))
		}
	}

	computeRSI(rows, closes)
	computeBollinger(rows, closes)

	// Momentum: fractional change over MomentumPeriod, price and volume.
	for i := MomentumPeriod; i < n; i++ {
		if closes[i-MomentumPeriod] != 0 {
			rows[i].PriceMomentum = fptr(closes[i]/closes[i-MomentumPeriod] - 1)
		}
		if volumes[i-MomentumPeriod] != 0 {
			rows[i].VolumeMomentum = fptr(volumes[i]/volumes[i-MomentumPeriod] - 1)
		}
	}

	for i := range rows {
		sanitizeRow(&rows[i])
	}
	return rows
}

// computeRSI uses a plain rolling average of gains and losses, not Wilder
// smoothing. Downstream consumers depend on these exact values. When the
// average loss is zero a gaining window saturates at 100; a flat window
// (no gains either) is undefined and stays nil. Never infinity.
func computeRSI(rows []Row, closes []float64) {
	n := len(closes)
	for i := RSIPeriod; i < n; i++ {
		var gain, loss float64
		for j := i - RSIPeriod + 1; j <= i; j++ {
			delta := closes[j] - closes[j-1]
			if delta > 0 {
				gain += delta
			} else {
				loss -= delta
			}
		}
		avgGain := gain / RSIPeriod
		avgLoss := loss / RSIPeriod
		if avgLoss == 0 {
			if avgGain > 0 {
				rows[i].RSI = fptr(100)
			}
			continue
		}
		rs := avgGain / avgLoss
		rows[i].RSI = fptr(100 - 100/(1+rs))
	}
}

func computeBollinger(rows []Row, closes []float64) {
	n := len(closes)
	for i := BollingerPeriod - 1; i < n; i++ {
		win := closes[i-BollingerPeriod+1 : i+1]
		mid := mean(win)
		sd := sampleStdev(win, mid)
		upper := mid + sd*BollingerStdDev
		lower := mid - sd*BollingerStdDev
		rows[i].BollMiddle = fptr(mid)
		rows[i].BollUpper = fptr(upper)
		rows[i].BollLower = fptr(lower)
		if mid != 0 {
			rows[i].BollWidth = fptr((upper - lower) / mid)
		}
	}
}

// rollingStdev takes the sample stdev of the non-nil values in
// series[lo..hi]. ok is false with fewer than two values.
func rollingStdev(series []*float64, lo, hi int) (float64, bool) {
	vals := make([]float64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		if series[i] != nil {
			vals = append(vals, *series[i])
		}
	}
	if len(vals) < 2 {
		return 0, false
	}
	return sampleStdev(vals, mean(vals)), true
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// sampleStdev is the n-1 denominator standard deviation.
func sampleStdev(vals []float64, m float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}

func fptr(v float64) *float64 { return &v }

// Sanitize coerces non-finite floats to 0 at the output boundary. Finite
// values pass through unchanged.
func Sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func sanitizeRow(r *Row) {
	for _, p := range []*float64{
		r.Return, r.LogReturn, r.Volatility, r.RealizedVolatility,
		r.MA7, r.MA25, r.MA99, r.RSI,
		r.BollUpper, r.BollMiddle, r.BollLower, r.BollWidth,
		r.PriceMomentum, r.VolumeMomentum,
	} {
		if p != nil {
			*p = Sanitize(*p)
		}
	}
}
