package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Rule is one real-time heuristic. Check must honor ctx; the engine
// abandons a rule that outlives its budget.
type Rule interface {
	Name() string
	Check(ctx context.Context, ev *BidEvent) (Verdict, error)
}

// Verdict is a rule's finding. Fired is false when nothing was detected.
type Verdict struct {
	Fired           bool
	Type            AlertType
	Reason          string
	Severity        int
	AffectedUserIDs []string
}

// Defaults for the built-in rules.
const (
	DefaultVelocityThreshold = 10
	DefaultVelocitySpan      = time.Minute
	DefaultBidPriceMultiple  = 10.0

	botSeverity      = 8
	bidPriceSeverity = 5
)

// VelocityRule fires when more than Threshold events for one campaign and
// segment land in the trailing window.
type VelocityRule struct {
	window    Window
	threshold int
}

// NewVelocityRule counts events in window and fires above threshold.
func NewVelocityRule(window Window, threshold int) *VelocityRule {
	if threshold <= 0 {
		threshold = DefaultVelocityThreshold
	}
	return &VelocityRule{window: window, threshold: threshold}
}

func (r *VelocityRule) Name() string { return string(TypeClickVelocity) }

func (r *VelocityRule) Check(ctx context.Context, ev *BidEvent) (Verdict, error) {
	stats, err := r.window.Observe(ctx, velocityKey(ev), ev.Timestamp, ev.UserID)
	if err != nil {
		return Verdict{}, err
	}
	if stats.Count <= r.threshold {
		return Verdict{}, nil
	}
	return Verdict{
		Fired:           true,
		Type:            TypeClickVelocity,
		Reason:          fmt.Sprintf("Abnormal click velocity detected: %d bids in segment %q within the last minute", stats.Count, ev.SegmentID),
		Severity:        VelocitySeverity(stats.Count, r.threshold),
		AffectedUserIDs: stats.UserIDs,
	}, nil
}

func velocityKey(ev *BidEvent) string {
	return ev.CampaignID + ":" + ev.SegmentID
}

// BidPriceRule fires when the floor is a large multiple of the campaign's
// historical average bid.
type BidPriceRule struct {
	multiple float64
}

func NewBidPriceRule(multiple float64) *BidPriceRule {
	if multiple <= 1 {
		multiple = DefaultBidPriceMultiple
	}
	return &BidPriceRule{multiple: multiple}
}

func (r *BidPriceRule) Name() string { return string(TypeBidPriceAnomaly) }

func (r *BidPriceRule) Check(_ context.Context, ev *BidEvent) (Verdict, error) {
	if ev.HistoricalAvgBid <= 0 || ev.FloorPrice <= ev.HistoricalAvgBid*r.multiple {
		return Verdict{}, nil
	}
	v := Verdict{
		Fired:    true,
		Type:     TypeBidPriceAnomaly,
		Reason:   fmt.Sprintf("Floor price %.4f exceeds %.0fx the campaign average bid %.4f", ev.FloorPrice, r.multiple, ev.HistoricalAvgBid),
		Severity: bidPriceSeverity,
	}
	if ev.UserID != "" {
		v.AffectedUserIDs = []string{ev.UserID}
	}
	return v, nil
}

// crawlerSignatures are lowercase substrings of automated user agents.
var crawlerSignatures = []string{
	"bot", "crawler", "spider", "slurp", "headless", "phantomjs",
	"selenium", "puppeteer", "playwright", "python-requests", "curl/",
	"wget", "httpclient", "scrapy",
}

// BotRule fires on known crawler and headless browser signatures.
type BotRule struct{}

func NewBotRule() BotRule { return BotRule{} }

func (BotRule) Name() string { return string(TypeBotDetection) }

func (BotRule) Check(_ context.Context, ev *BidEvent) (Verdict, error) {
	for _, field := range []string{ev.UserAgent, ev.Browser} {
		if sig := matchCrawler(field); sig != "" {
			v := Verdict{
				Fired:    true,
				Type:     TypeBotDetection,
				Reason:   fmt.Sprintf("Automated traffic signature %q in user agent", sig),
				Severity: botSeverity,
			}
			if ev.UserID != "" {
				v.AffectedUserIDs = []string{ev.UserID}
			}
			return v, nil
		}
	}
	return Verdict{}, nil
}

func matchCrawler(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	for _, sig := range crawlerSignatures {
		if strings.Contains(s, sig) {
			return sig
		}
	}
	return ""
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules(window Window, velocityThreshold int, bidPriceMultiple float64) []Rule {
	return []Rule{
		NewBotRule(),
		NewVelocityRule(window, velocityThreshold),
		NewBidPriceRule(bidPriceMultiple),
	}
}
