package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedScreenings(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutCampaign(ctx, &Campaign{ID: "camp-1", OwnerID: "owner-1"}))
	require.NoError(t, s.PutCampaign(ctx, &Campaign{ID: "camp-x", OwnerID: "owner-2"}))

	rows := []struct {
		campaign, device, browser, os, country, region, city string
		flagged                                              bool
	}{
		{"camp-1", "mobile", "Chrome", "Android", "US", "CA", "San Jose", true},
		{"camp-1", "mobile", "Chrome", "Android", "US", "CA", "San Jose", false},
		{"camp-1", "mobile", "Chrome", "Android", "US", "CA", "San Jose", false},
		{"camp-1", "desktop", "HeadlessChrome", "Linux", "VN", "HN", "Hanoi", true},
		{"camp-1", "desktop", "HeadlessChrome", "Linux", "VN", "HN", "Hanoi", true},
		{"camp-1", "tablet", "Safari", "iOS", "DE", "BE", "Berlin", false},
		{"camp-x", "mobile", "Chrome", "Android", "US", "CA", "San Jose", true},
	}
	for i, r := range rows {
		require.NoError(t, s.RecordScreening(ctx, &Screening{
			PredictionID: string(rune('a' + i)),
			CampaignID:   r.campaign,
			BidPrice:     decimal.RequireFromString("1.10"),
			Flagged:      r.flagged,
			DeviceType:   r.device, Browser: r.browser, OS: r.os,
			Country: r.country, Region: r.region, City: r.city,
			ScreenedAt: t0,
		}))
	}
}

func TestMemoryStore_DeviceBreakdown(t *testing.T) {
	s := NewMemoryStore()
	seedScreenings(t, s)

	rows, err := s.DeviceBreakdown(context.Background(), "owner-1", t0.Add(-time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, rows, 2, "groups without flagged bids are omitted")

	assert.Equal(t, DeviceRisk{DeviceType: "desktop", Browser: "HeadlessChrome", OS: "Linux", TotalBids: 2, FraudBids: 2, FraudRate: 1}, rows[0])
	assert.Equal(t, "mobile", rows[1].DeviceType)
	assert.Equal(t, 3, rows[1].TotalBids)
	assert.Equal(t, 1, rows[1].FraudBids)
	assert.InDelta(t, 1.0/3, rows[1].FraudRate, 1e-9)

	rows, err = s.DeviceBreakdown(context.Background(), "owner-1", t0.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = s.DeviceBreakdown(context.Background(), "owner-1", t0.Add(time.Second), 20)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryStore_GeoBreakdown(t *testing.T) {
	s := NewMemoryStore()
	seedScreenings(t, s)

	rows, err := s.GeoBreakdown(context.Background(), "owner-1", t0.Add(-time.Hour), 30)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Hanoi", rows[0].City)
	assert.Equal(t, 2, rows[0].FraudBids)
	assert.Equal(t, "San Jose", rows[1].City)
	assert.Equal(t, 1, rows[1].FraudBids, "owner-2's screening is excluded")
}

func TestMemoryStore_BlockedBids(t *testing.T) {
	s := NewMemoryStore()
	seedScreenings(t, s)

	n, saved, err := s.BlockedBids(context.Background(), "owner-1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, saved.Equal(decimal.RequireFromString("3.30")), saved.String())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAlert(ctx, &Alert{ID: "a-1", CampaignID: "camp-1", AffectedUserIDs: []string{"u-1"}, Status: StatusActive}))

	a, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	a.Status = StatusResolved
	a.AffectedUserIDs[0] = "tampered"

	again, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
	assert.Equal(t, []string{"u-1"}, again.AffectedUserIDs)
}

func TestMemoryStore_UpdateAlertErrorLeavesState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAlert(ctx, &Alert{ID: "a-1", CampaignID: "camp-1", Status: StatusActive}))

	_, err := s.UpdateAlert(ctx, "a-1", func(a *Alert, _ string) error {
		a.Status = StatusResolved
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	a, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)
}
