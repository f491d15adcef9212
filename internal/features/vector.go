package features

import "time"

// Size is the number of features in a Vector.
const Size = 13

// SchemaVersion identifies the wire layout sent to remote inference.
// Bump it whenever Names or Wire changes.
const SchemaVersion = "v1"

// Names lists feature names in vector order. Models are trained against
// this exact order.
var Names = [Size]string{
	"floor_price",
	"engagement_score",
	"conversion_probability",
	"historical_win_rate",
	"historical_avg_bid",
	"historical_avg_win_price",
	"device_type",
	"segment_category",
	"hour_of_day",
	"day_of_week",
	"country",
	"campaign_spend_last_7d",
	"campaign_conversions_last_7d",
}

// Vector is the fixed-order numeric encoding of a bid opportunity.
type Vector [Size]float64

// Slice returns a copy of v as a slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Size)
	copy(out, v[:])
	return out
}

// Float32 returns v converted for float32 runtimes.
func (v Vector) Float32() []float32 {
	out := make([]float32, Size)
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// History holds campaign aggregates used as features.
type History struct {
	TotalBids     int     `json:"total_bids"`
	WinRate       float64 `json:"win_rate"`
	AvgBid        float64 `json:"avg_bid"`
	AvgWinPrice   float64 `json:"avg_win_price"`
	Spend7d       float64 `json:"spend_7d"`
	Conversions7d float64 `json:"conversions_7d"`
}

// DefaultHistory is used for campaigns without bid history.
func DefaultHistory() History {
	return History{
		WinRate:       0.4,
		AvgBid:        2.5,
		AvgWinPrice:   2.7,
		Spend7d:       100,
		Conversions7d: 3,
	}
}

// Input is everything needed to build a Vector for one opportunity.
type Input struct {
	FloorPrice            float64
	EngagementScore       float64
	ConversionProbability float64
	DeviceType            string
	SegmentCategory       string
	Country               string
	Timestamp             time.Time
	History               History
}

// Build assembles the vector for in. Hour and weekday are taken in UTC.
func Build(in Input, enc *Encoder) Vector {
	ts := in.Timestamp.UTC()
	return Vector{
		in.FloorPrice,
		in.EngagementScore,
		in.ConversionProbability,
		in.History.WinRate,
		in.History.AvgBid,
		in.History.AvgWinPrice,
		enc.Encode(FeatureDeviceType, in.DeviceType),
		enc.Encode(FeatureSegmentCategory, in.SegmentCategory),
		float64(ts.Hour()),
		float64(ts.Weekday()),
		enc.Encode(FeatureCountry, in.Country),
		in.History.Spend7d,
		in.History.Conversions7d,
	}
}

// WireFeatures is the JSON object sent to the remote inference service.
// Categorical fields travel raw; the remote side owns their encoding.
type WireFeatures struct {
	FloorPrice                float64 `json:"floor_price"`
	EngagementScore           float64 `json:"engagement_score"`
	ConversionProbability     float64 `json:"conversion_probability"`
	HistoricalWinRate         float64 `json:"historical_win_rate"`
	HistoricalAvgBid          float64 `json:"historical_avg_bid"`
	HistoricalAvgWinPrice     float64 `json:"historical_avg_win_price"`
	DeviceType                string  `json:"device_type"`
	SegmentCategory           string  `json:"segment_category"`
	HourOfDay                 int     `json:"hour_of_day"`
	DayOfWeek                 int     `json:"day_of_week"`
	Country                   string  `json:"country"`
	CampaignSpendLast7d       float64 `json:"campaign_spend_last_7d"`
	CampaignConversionsLast7d float64 `json:"campaign_conversions_last_7d"`
}

// Wire converts in to its remote payload form.
func (in Input) Wire() WireFeatures {
	ts := in.Timestamp.UTC()
	return WireFeatures{
		FloorPrice:                in.FloorPrice,
		EngagementScore:           in.EngagementScore,
		ConversionProbability:     in.ConversionProbability,
		HistoricalWinRate:         in.History.WinRate,
		HistoricalAvgBid:          in.History.AvgBid,
		HistoricalAvgWinPrice:     in.History.AvgWinPrice,
		DeviceType:                in.DeviceType,
		SegmentCategory:           in.SegmentCategory,
		HourOfDay:                 ts.Hour(),
		DayOfWeek:                 int(ts.Weekday()),
		Country:                   in.Country,
		CampaignSpendLast7d:       in.History.Spend7d,
		CampaignConversionsLast7d: in.History.Conversions7d,
	}
}
