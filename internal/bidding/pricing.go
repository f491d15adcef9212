package bidding

import (
	"github.com/shopspring/decimal"

	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/predictor"
)

// Rule-based pricing constants.
const (
	RuleBasedConfidence = 0.6
	MaxFloorMultiple    = 5

	clampedConfidenceFactor = 0.9
	cappedConfidenceFactor  = 0.8
)

var segmentAggressiveness = map[string]float64{
	"high_value":  1.15,
	"retargeting": 1.10,
	"general":     1.00,
	"low_intent":  0.95,
}

// SegmentAggressiveness returns the price multiplier for a segment
// category; unknown categories get 1.0.
func SegmentAggressiveness(category string) float64 {
	if m, ok := segmentAggressiveness[category]; ok {
		return m
	}
	return 1.0
}

// WinRateMultiplier bids harder for campaigns that lose more often.
func WinRateMultiplier(winRate float64) float64 {
	switch {
	case winRate >= 0.5:
		return 1.2
	case winRate >= 0.2:
		return 1.3
	default:
		return 1.4
	}
}

// RuleBasedPrice prices req without a model. The result is bounded to
// [floor × 1.01, floor × 5].
func RuleBasedPrice(req *BidRequest, h features.History) float64 {
	d := func(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

	price := d(req.FloorPrice).
		Mul(d(WinRateMultiplier(h.WinRate))).
		Mul(d(SegmentAggressiveness(req.SegmentCategory)))
	if req.ConversionProbability > 0.1 {
		price = price.Mul(d(1 + req.ConversionProbability))
	}
	if req.EngagementScore > 0.7 {
		price = price.Mul(d(1.15))
	}
	if h.AvgWinPrice > 0 {
		price = price.Add(d(h.AvgWinPrice)).Div(decimal.NewFromInt(2))
	}

	v, _ := price.Float64()
	v, _, _ = bound(v, req.FloorPrice)
	return v
}

// bound clamps price into [floor × 1.01, floor × 5] and reports which
// side, if any, was applied.
func bound(price, floor float64) (v float64, clamped, capped bool) {
	v, clamped = predictor.Clamp(price, floor)
	max, _ := decimal.NewFromFloat(floor).Mul(decimal.NewFromInt(MaxFloorMultiple)).Float64()
	if v > max {
		return max, clamped, true
	}
	return v, clamped, false
}

// mlConfidence discounts backend confidence for prices the bounds moved.
func mlConfidence(base float64, clamped, capped bool) float64 {
	c := base
	if clamped {
		c *= clampedConfidenceFactor
	}
	if capped {
		c *= cappedConfidenceFactor
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
