// Package openrtb adapts OpenRTB 2.x bid requests from an exchange to bid
// decisions and answers with an OpenRTB bid response.
//
// Each impression becomes one decision. Campaign and audience signals the
// protocol has no field for travel in imp.ext:
//
//	{"campaign_id": "camp-1", "segment_id": "seg-a", "segment_category": "high_value",
//	 "engagement_score": 0.8, "conversion_probability": 0.12}
package openrtb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/adcom1"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/openrtb/v20/openrtb3"

	"github.com/bidsense/bidengine/internal/bidding"
)

// Currency is the only currency bids are priced in.
const Currency = "USD"

// No-bid reason codes used in responses.
const (
	NoBidInvalidRequest    = openrtb3.NoBidReason(2)
	NoBidSuspectedNonHuman = openrtb3.NoBidReason(4)
)

var ErrInvalidRequest = errors.New("invalid openrtb request")

// Decider prices a batch of opportunities. *bidding.Service implements it.
type Decider interface {
	DecideBatch(ctx context.Context, reqs []bidding.BidRequest) ([]*bidding.Decision, error)
}

// ImpExt is the imp.ext object.
type ImpExt struct {
	CampaignID            string  `json:"campaign_id"`
	SegmentID             string  `json:"segment_id"`
	SegmentCategory       string  `json:"segment_category"`
	EngagementScore       float64 `json:"engagement_score"`
	ConversionProbability float64 `json:"conversion_probability"`
}

// BidExt is attached to each bid so the exchange side can audit pricing.
type BidExt struct {
	Strategy     bidding.Strategy `json:"strategy"`
	Confidence   float64          `json:"confidence"`
	ModelVersion string           `json:"model_version"`
}

// Adapter converts between OpenRTB and bid decisions.
type Adapter struct {
	decider         Decider
	seat            string
	defaultCampaign string
	now             func() time.Time
}

// NewAdapter returns an adapter that bids as seat. Impressions without a
// campaign in imp.ext are attributed to defaultCampaign, or skipped when it
// is empty.
func NewAdapter(decider Decider, seat, defaultCampaign string) *Adapter {
	return &Adapter{
		decider:         decider,
		seat:            seat,
		defaultCampaign: defaultCampaign,
		now:             time.Now,
	}
}

// Bid answers req. Impressions that cannot be priced and decisions flagged
// as fraud get no bid; when nothing is bid the response carries a no-bid
// reason instead of seat bids.
func (a *Adapter) Bid(ctx context.Context, req *openrtb2.BidRequest) (*openrtb2.BidResponse, error) {
	if req.ID == "" || len(req.Imp) == 0 {
		return nil, fmt.Errorf("%w: id and at least one imp are required", ErrInvalidRequest)
	}

	resp := &openrtb2.BidResponse{ID: req.ID}
	if len(req.Cur) > 0 && !containsFold(req.Cur, Currency) {
		return noBid(resp, NoBidInvalidRequest), nil
	}

	reqs, imps := a.requests(req)
	if len(reqs) == 0 {
		return noBid(resp, NoBidInvalidRequest), nil
	}

	if req.TMax > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TMax)*time.Millisecond)
		defer cancel()
	}

	decisions, err := a.decide(ctx, reqs)
	if err != nil {
		return nil, err
	}

	bids := make([]openrtb2.Bid, 0, len(decisions))
	flagged := 0
	for i, d := range decisions {
		if d.FraudRisk {
			flagged++
			continue
		}
		ext, err := json.Marshal(BidExt{Strategy: d.Strategy, Confidence: d.Confidence, ModelVersion: d.ModelVersion})
		if err != nil {
			return nil, err
		}
		bids = append(bids, openrtb2.Bid{
			ID:    d.PredictionID,
			ImpID: imps[i],
			Price: d.BidPrice,
			CID:   d.CampaignID,
			Ext:   ext,
		})
	}

	if len(bids) == 0 {
		if flagged > 0 {
			return noBid(resp, NoBidSuspectedNonHuman), nil
		}
		return noBid(resp, NoBidInvalidRequest), nil
	}

	resp.BidID = uuid.NewString()
	resp.Cur = Currency
	resp.SeatBid = []openrtb2.SeatBid{{Seat: a.seat, Bid: bids}}
	return resp, nil
}

// decide prices reqs in batches no larger than the decider accepts.
func (a *Adapter) decide(ctx context.Context, reqs []bidding.BidRequest) ([]*bidding.Decision, error) {
	out := make([]*bidding.Decision, 0, len(reqs))
	for start := 0; start < len(reqs); start += bidding.MaxBatchSize {
		end := min(start+bidding.MaxBatchSize, len(reqs))
		ds, err := a.decider.DecideBatch(ctx, reqs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

// requests maps each biddable impression to a BidRequest. The second
// result holds the impression id for each request.
func (a *Adapter) requests(req *openrtb2.BidRequest) ([]bidding.BidRequest, []string) {
	base := bidding.BidRequest{Timestamp: a.now().UTC()}
	if d := req.Device; d != nil {
		base.UserAgent = d.UA
		base.OS = d.OS
		base.DeviceType = deviceType(d.DeviceType)
		base.Browser = browserFromUA(d.UA)
		if d.Geo != nil {
			base.Country, base.Region, base.City = d.Geo.Country, d.Geo.Region, d.Geo.City
		}
	}
	if u := req.User; u != nil {
		base.UserID = u.ID
		base.Keywords = splitKeywords(u.Keywords)
		if base.Country == "" && u.Geo != nil {
			base.Country, base.Region, base.City = u.Geo.Country, u.Geo.Region, u.Geo.City
		}
	}
	if s := req.Site; s != nil {
		base.Keywords = append(base.Keywords, splitKeywords(s.Keywords)...)
	}

	var (
		out  []bidding.BidRequest
		imps []string
	)
	for _, imp := range req.Imp {
		if imp.BidFloorCur != "" && !strings.EqualFold(imp.BidFloorCur, Currency) {
			continue
		}
		if !(imp.BidFloor > 0) {
			continue
		}
		var ext ImpExt
		if len(imp.Ext) > 0 {
			if err := json.Unmarshal(imp.Ext, &ext); err != nil {
				continue
			}
		}
		if ext.CampaignID == "" {
			ext.CampaignID = a.defaultCampaign
		}
		if ext.CampaignID == "" {
			continue
		}

		r := base
		r.Keywords = append([]string(nil), base.Keywords...)
		r.CampaignID = ext.CampaignID
		r.SegmentID = ext.SegmentID
		r.SegmentCategory = ext.SegmentCategory
		r.EngagementScore = ext.EngagementScore
		r.ConversionProbability = ext.ConversionProbability
		r.FloorPrice = imp.BidFloor
		out = append(out, r)
		imps = append(imps, imp.ID)
	}
	return out, imps
}

func noBid(resp *openrtb2.BidResponse, reason openrtb3.NoBidReason) *openrtb2.BidResponse {
	resp.NBR = &reason
	return resp
}

func deviceType(t adcom1.DeviceType) string {
	switch t {
	case adcom1.DeviceMobile, adcom1.DevicePhone:
		return "mobile"
	case adcom1.DeviceTablet:
		return "tablet"
	case adcom1.DevicePC:
		return "desktop"
	case adcom1.DeviceTV, adcom1.DeviceConnected, adcom1.DeviceSetTopBox:
		return "ctv"
	default:
		return "unknown"
	}
}

// browserFromUA picks a coarse browser family from a user agent. Order
// matters: Chrome user agents also mention Safari, Edge ones mention Chrome.
func browserFromUA(ua string) string {
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "HeadlessChrome"):
		return "HeadlessChrome"
	case strings.Contains(ua, "Edg/"):
		return "Edge"
	case strings.Contains(ua, "Firefox/"):
		return "Firefox"
	case strings.Contains(ua, "Chrome/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	default:
		return "Other"
	}
}

func splitKeywords(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
