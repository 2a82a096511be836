package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Volatility regime names mapped from the z-score cut points.
const (
	RegimeExtremelyHigh = "Extremely High"
	RegimeHigh          = "High"
	RegimeNormal        = "Normal"
	RegimeLow           = "Low"
	RegimeExtremelyLow  = "Extremely Low"
)

// Trend directions mapped from total price change over the window.
const (
	TrendUp       = "Uptrend"
	TrendDown     = "Downtrend"
	TrendSideways = "Sideways"
	TrendUnknown  = "Unknown"
)

// VolatilityStats summarizes the volatility series.
type VolatilityStats struct {
	Current float64 `json:"current"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// RegimeAnalysis is the volatility regime of the latest value.
type RegimeAnalysis struct {
	Regime      string  `json:"regime"`
	ZScore      float64 `json:"zscore"`
	Percentile  float64 `json:"percentile"`
	Description string  `json:"description"`
}

// TrendAnalysis is the price trend over the analyzed window.
type TrendAnalysis struct {
	Direction      string  `json:"direction"`
	Strength       float64 `json:"strength"`
	Duration       int     `json:"duration"`
	PriceChangePct float64 `json:"price_change_pct"`
}

// Analysis is the full market analysis payload.
type Analysis struct {
	Timestamp       time.Time       `json:"timestamp"`
	Timeframe       string          `json:"timeframe"`
	VolatilityStats VolatilityStats `json:"volatility_stats"`
	RegimeAnalysis  RegimeAnalysis  `json:"regime_analysis"`
	TrendAnalysis   TrendAnalysis   `json:"trend_analysis"`
	MarketRegime    string          `json:"market_regime"`
	MarketScore     float64         `json:"market_score"`
}

// Analyze classifies the market regime from computed indicator rows. It
// needs at least one non-nil volatility value.
func Analyze(timeframe string, rows []Row, now time.Time) (*Analysis, error) {
	var vols []float64
	for _, r := range rows {
		if r.Volatility != nil {
			vols = append(vols, *r.Volatility)
		}
	}
	if len(vols) == 0 {
		return nil, fmt.Errorf("indicator: no volatility values for timeframe %s", timeframe)
	}

	current := vols[len(vols)-1]
	regime := classifyVolatility(current, vols)
	trend := analyzeTrend(rows)

	a := &Analysis{
		Timestamp:       now,
		Timeframe:       timeframe,
		VolatilityStats: volatilityStats(current, vols),
		RegimeAnalysis:  regime,
		TrendAnalysis:   trend,
		MarketRegime:    marketRegime(regime.Regime, trend.Direction),
		MarketScore:     marketScore(regime.ZScore, trend.Strength, trend.Duration),
	}
	return a, nil
}

func volatilityStats(current float64, vols []float64) VolatilityStats {
	m := mean(vols)
	sorted := append([]float64(nil), vols...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return VolatilityStats{
		Current: Sanitize(current),
		Mean:    Sanitize(m),
		Median:  Sanitize(median),
		Std:     Sanitize(sampleStdev(vols, m)),
		Min:     Sanitize(sorted[0]),
		Max:     Sanitize(sorted[len(sorted)-1]),
	}
}

func classifyVolatility(current float64, vols []float64) RegimeAnalysis {
	m := mean(vols)
	sd := sampleStdev(vols, m)
	var z float64
	if sd > 0 {
		z = (current - m) / sd
	}
	pct := percentileRank(vols, current)

	var regime string
	switch {
	case z > 2:
		regime = RegimeExtremelyHigh
	case z > 1:
		regime = RegimeHigh
	case z < -2:
		regime = RegimeExtremelyLow
	case z < -1:
		regime = RegimeLow
	default:
		regime = RegimeNormal
	}
	return RegimeAnalysis{
		Regime:      regime,
		ZScore:      Sanitize(z),
		Percentile:  Sanitize(pct),
		Description: fmt.Sprintf("Volatility is %s (%.1fth percentile)", strings.ToLower(regime), pct),
	}
}

// percentileRank is the average rank of v within vals, as a percentage.
// Ties share the mean of their rank range.
func percentileRank(vals []float64, v float64) float64 {
	var less, equal int
	for _, x := range vals {
		switch {
		case x < v:
			less++
		case x == v:
			equal++
		}
	}
	rank := float64(less) + (float64(equal)+1)/2
	return rank / float64(len(vals)) * 100
}

func analyzeTrend(rows []Row) TrendAnalysis {
	if len(rows) < 2 || rows[0].Close == 0 {
		return TrendAnalysis{Direction: TrendUnknown}
	}

	change := (rows[len(rows)-1].Close/rows[0].Close - 1) * 100
	var direction string
	switch {
	case change > 5:
		direction = TrendUp
	case change < -5:
		direction = TrendDown
	default:
		direction = TrendSideways
	}

	// Consecutive same-direction periods ending at the latest close.
	last := len(rows) - 1
	up := rows[last].Close > rows[last-1].Close
	duration := 1
	for i := last - 1; i >= 1; i-- {
		if (rows[i].Close > rows[i-1].Close) == up {
			duration++
		} else {
			break
		}
	}

	return TrendAnalysis{
		Direction:      direction,
		Strength:       Sanitize(math.Abs(change)),
		Duration:       duration,
		PriceChangePct: Sanitize(change),
	}
}

func marketRegime(volRegime, direction string) string {
	switch volRegime {
	case RegimeExtremelyHigh, RegimeHigh:
		switch direction {
		case TrendUp:
			return "Bullish Volatile"
		case TrendDown:
			return "Bearish Volatile"
		}
		return "High Volatility Range"
	case RegimeExtremelyLow, RegimeLow:
		if direction == TrendSideways {
			return "Consolidation"
		}
		return "Low Volatility Trend"
	default:
		switch direction {
		case TrendUp:
			return "Steady Uptrend"
		case TrendDown:
			return "Steady Downtrend"
		}
		return "Normal Range"
	}
}

// marketScore blends three capped sub-scores into [0,100]: closeness of the
// volatility z-score to normal (40), trend strength (40), trend duration
// persistence (20).
func marketScore(zscore, strength float64, duration int) float64 {
	volScore := clamp((1-math.Abs(zscore)/3)*40, 0, 40)
	trendScore := clamp(strength/10*40, 0, 40)
	durationScore := clamp(float64(duration)/20*20, 0, 20)
	return math.Round((volScore+trendScore+durationScore)*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
