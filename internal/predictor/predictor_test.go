package predictor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidsense/bidengine/internal/features"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name        string
		price       float64
		floor       float64
		want        float64
		wantClamped bool
	}{
		{"zero prediction", 0, 1.50, 1.515, true},
		{"below floor", 1.2, 1.50, 1.515, true},
		{"at floor", 1.50, 1.50, 1.515, true},
		{"just above premium", 1.52, 1.50, 1.52, false},
		{"well above", 4.0, 1.0, 4.0, false},
		{"negative prediction", -3, 2.0, 2.02, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := Clamp(tt.price, tt.floor)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantClamped, clamped)
		})
	}
}

func TestFloorPremium_NeverBelowFloorTimesPremium(t *testing.T) {
	for _, floor := range []float64{0.01, 0.1, 0.33, 1, 1.5, 2.75, 9.99, 100, 1234.56} {
		assert.GreaterOrEqual(t, FloorPremium(floor), floor*MinBidPremium-1e-9, "floor %v", floor)
	}
}

func TestFinish_RejectsNonFinite(t *testing.T) {
	nan := func() float64 { var z float64; return z / z }()
	_, err := finish(nan, features.Input{FloorPrice: 1}, 0.9, "v")
	assert.ErrorIs(t, err, ErrInference)
}

func TestHistoryConfidence(t *testing.T) {
	assert.Equal(t, 0.85, historyConfidence(0.85, features.History{TotalBids: 10}))
	assert.Equal(t, 0.75, historyConfidence(0.85, features.History{TotalBids: 7}))
	assert.Equal(t, 0.65, historyConfidence(0.85, features.History{TotalBids: 2}))
}

func TestBatchError(t *testing.T) {
	err := &BatchError{Index: 3, Err: ErrInference}
	assert.Contains(t, err.Error(), "index 3")
	assert.ErrorIs(t, err, ErrInference)
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: "quantum"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpen_TreeMissingFiles(t *testing.T) {
	b, err := Open(context.Background(), Config{
		Kind:         KindTree,
		ModelPath:    filepath.Join(t.TempDir(), "missing.json"),
		EncodersPath: filepath.Join(t.TempDir(), "missing_enc.json"),
	})
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Nil(t, b)
}

// sampleInputs returns a spread of inputs covering clamped and unclamped cases.
func sampleInputs() []features.Input {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	return []features.Input{
		{FloorPrice: 1.5, DeviceType: "mobile", Country: "US", Timestamp: ts, History: features.DefaultHistory()},
		{FloorPrice: 0.2, DeviceType: "desktop", Country: "DE", Timestamp: ts.Add(time.Hour)},
		{FloorPrice: 3.0, EngagementScore: 0.9, DeviceType: "tablet", Timestamp: ts.Add(2 * time.Hour)},
		{FloorPrice: 0.8, ConversionProbability: 0.3, Country: "FR", Timestamp: ts.Add(30 * time.Hour),
			History: features.History{TotalBids: 40, WinRate: 0.5, AvgBid: 1.1}},
	}
}

func writeEncoders(t *testing.T, dir string, table features.Table) string {
	t.Helper()
	path := filepath.Join(dir, "encoders.json")
	data := mustJSON(t, table)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func assertBatchMatchesSequential(t *testing.T, b Backend, ins []features.Input) {
	t.Helper()
	ctx := context.Background()

	batch, err := b.PredictBatch(ctx, ins)
	require.NoError(t, err)
	require.Len(t, batch, len(ins))

	for i, in := range ins {
		single, err := b.Predict(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i], "index %d", i)
	}
}

func TestBatchError_Unwraps(t *testing.T) {
	var be *BatchError
	err := error(&BatchError{Index: 1, Err: context.Canceled})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.ErrorIs(t, err, context.Canceled)
}
