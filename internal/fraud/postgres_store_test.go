//go:build integration

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidsense/bidengine/internal/testutil"
)

func newPGService(t *testing.T) (*Service, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.PutCampaign(ctx, &Campaign{ID: "camp-1", OwnerID: "owner-1", Name: "Summer Sale"}))
	require.NoError(t, store.PutCampaign(ctx, &Campaign{ID: "camp-x", OwnerID: "owner-2", Name: "Other"}))
	return NewService(store, nil), store, cleanup
}

func TestPostgresStore_AlertLifecycle(t *testing.T) {
	svc, store, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	req := manualAlert("camp-1", TypeIPAnomaly)
	req.AffectedUserIDs = []string{"u-1", "u-2"}
	a, err := svc.CreateAlert(ctx, "owner-1", req)
	require.NoError(t, err)

	got, err := store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, got.AffectedUserIDs)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.ResolvedAt)

	_, err = svc.UpdateAlertStatus(ctx, a.ID, "owner-2", StatusResolved, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := svc.UpdateAlertStatus(ctx, a.ID, "owner-1", StatusResolved, "confirmed")
	require.NoError(t, err)
	assert.NotNil(t, updated.ResolvedAt)

	got, err = store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Contains(t, got.Description, "Notes: confirmed")

	_, err = svc.UpdateAlertStatus(ctx, a.ID, "owner-1", StatusFalsePositive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = store.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestPostgresStore_ListAlertsPagination(t *testing.T) {
	_, store, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	for i, id := range []string{"a-1", "a-2", "a-3", "a-4", "a-5"} {
		require.NoError(t, store.CreateAlert(ctx, &Alert{
			ID: id, CampaignID: "camp-1", AlertType: TypeClickVelocity, Severity: i + 1,
			Description: "burst", AffectedUserIDs: []string{}, Status: StatusActive,
			DetectedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	svc := NewService(store, nil)

	page, err := svc.ListAlerts(ctx, "owner-1", AlertFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Alerts, 2)
	assert.Equal(t, "a-5", page.Alerts[0].ID)
	assert.True(t, page.HasMore)

	f := AlertFilter{Limit: 2, Cursor: mustDecode(t, page.NextCursor)}
	page, err = svc.ListAlerts(ctx, "owner-1", f)
	require.NoError(t, err)
	assert.Equal(t, "a-3", page.Alerts[0].ID)

	page, err = svc.ListAlerts(ctx, "owner-1", AlertFilter{MinSeverity: 4})
	require.NoError(t, err)
	assert.Len(t, page.Alerts, 2)

	page, err = svc.ListAlerts(ctx, "owner-2", AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Alerts)
}

func TestPostgresStore_Aggregates(t *testing.T) {
	svc, store, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()
	seedScreenings(t, store)

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateAlert(ctx, &Alert{
			ID: "v-" + string(rune('a'+i)), CampaignID: "camp-1", AlertType: TypeClickVelocity,
			Severity: 6, Description: "burst", AffectedUserIDs: []string{}, Status: StatusActive,
			DetectedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}

	counts, err := store.AlertCounts(ctx, "owner-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 3, counts.Active)
	assert.Equal(t, map[string]int{"click_velocity": 3}, counts.ByType)

	n, saved, err := store.BlockedBids(ctx, "owner-1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, saved.Equal(decimal.RequireFromString("3.3")), saved.String())

	devices, err := store.DeviceBreakdown(ctx, "owner-1", t0.Add(-time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "desktop", devices[0].DeviceType)
	assert.InDelta(t, 1.0, devices[0].FraudRate, 1e-9)

	geo, err := store.GeoBreakdown(ctx, "owner-1", t0.Add(-time.Hour), 30)
	require.NoError(t, err)
	require.Len(t, geo, 2)
	assert.Equal(t, "Hanoi", geo[0].City)

	ov, err := svc.Overview(ctx, "owner-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 3, ov.ActiveAlerts)
	assert.Equal(t, ThreatMedium, ov.ThreatLevel)
	require.Len(t, ov.TopAffectedCampaigns, 1)
	assert.Equal(t, "Summer Sale", ov.TopAffectedCampaigns[0].CampaignName)

	trends, err := svc.Trends(ctx, "owner-1", 30)
	require.NoError(t, err)
	require.NotEmpty(t, trends)
	assert.Equal(t, TypeClickVelocity, trends[0].AlertType)
}
