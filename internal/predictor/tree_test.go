package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidsense/bidengine/internal/features"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// linearModel predicts offset + floor*1.3 + device encoding.
type linearModel struct {
	offset   float64
	nFeat    int
	entered  chan struct{}
	release  chan struct{}
	calls    atomic.Int64
	blockOne atomic.Bool
}

func (m *linearModel) PredictSingle(f []float64, _ int) float64 {
	m.calls.Add(1)
	if m.blockOne.CompareAndSwap(true, false) {
		close(m.entered)
		<-m.release
	}
	return m.offset + f[0]*1.3 + f[6]
}

func (m *linearModel) NFeatures() int {
	if m.nFeat != 0 {
		return m.nFeat
	}
	return features.Size
}

type stubLoader struct {
	mu     sync.Mutex
	models []treeModel
	err    error
	loads  int
}

func (l *stubLoader) load(path, format string) (treeModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	m := l.models[l.loads]
	l.loads++
	return m, nil
}

func newTestTree(t *testing.T, loader *stubLoader, table features.Table) (*Tree, string) {
	t.Helper()
	dir := t.TempDir()
	encPath := writeEncoders(t, dir, table)
	tree, err := newTree(TreeConfig{
		ModelPath:    filepath.Join(dir, "bid_model_v2.json"),
		EncodersPath: encPath,
	}, loader.load)
	require.NoError(t, err)
	return tree, encPath
}

func TestTree_PredictClampsDegenerateOutput(t *testing.T) {
	// offset cancels the floor term so the model returns 0.0
	loader := &stubLoader{models: []treeModel{&linearModel{offset: -1.95}}}
	tree, _ := newTestTree(t, loader, features.Table{})

	p, err := tree.Predict(context.Background(), features.Input{FloorPrice: 1.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p.Raw, 1e-9)
	assert.Equal(t, 1.515, p.Price)
	assert.Equal(t, treeConfidence, p.Confidence)
	assert.Equal(t, "bid_model_v2", p.ModelVersion)
}

func TestTree_BatchMatchesSequential(t *testing.T) {
	loader := &stubLoader{models: []treeModel{&linearModel{offset: 0.1}}}
	tree, _ := newTestTree(t, loader, features.Table{
		features.FeatureDeviceType: {"mobile": 0.7, "desktop": 0.2},
	})

	assertBatchMatchesSequential(t, tree, sampleInputs())
}

func TestTree_RejectsFeatureCountMismatch(t *testing.T) {
	loader := &stubLoader{models: []treeModel{&linearModel{nFeat: 12}}}
	dir := t.TempDir()
	_, err := newTree(TreeConfig{
		ModelPath:    filepath.Join(dir, "m.json"),
		EncodersPath: writeEncoders(t, dir, features.Table{}),
	}, loader.load)
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestTree_LoadFailureIsFatal(t *testing.T) {
	loader := &stubLoader{err: errors.New("corrupt ensemble")}
	dir := t.TempDir()
	_, err := newTree(TreeConfig{
		ModelPath:    filepath.Join(dir, "m.json"),
		EncodersPath: writeEncoders(t, dir, features.Table{}),
	}, loader.load)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "corrupt ensemble")
}

func TestTree_FailedReloadKeepsCurrentModel(t *testing.T) {
	loader := &stubLoader{models: []treeModel{&linearModel{offset: 5}}}
	tree, _ := newTestTree(t, loader, features.Table{})

	loader.mu.Lock()
	loader.err = errors.New("disk gone")
	loader.mu.Unlock()

	require.Error(t, tree.Reload(context.Background()))

	p, err := tree.Predict(context.Background(), features.Input{FloorPrice: 1})
	require.NoError(t, err)
	assert.InDelta(t, 6.3, p.Price, 1e-9)
}

func TestTree_ReloadMidFlightUsesConsistentSnapshot(t *testing.T) {
	oldModel := &linearModel{offset: 10, entered: make(chan struct{}), release: make(chan struct{})}
	oldModel.blockOne.Store(true)
	newModel := &linearModel{offset: 20}
	loader := &stubLoader{models: []treeModel{oldModel, newModel}}

	tree, encPath := newTestTree(t, loader, features.Table{
		features.FeatureDeviceType: {"mobile": 1},
	})
	in := features.Input{FloorPrice: 1, DeviceType: "mobile"}

	type result struct {
		p   Prediction
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := tree.Predict(context.Background(), in)
		done <- result{p, err}
	}()

	// Inference is now running against the old model.
	<-oldModel.entered

	// Swap in a new model with a different encoder table. Reload must not
	// wait for the in-flight reader.
	writeEncodersAt(t, encPath, features.Table{features.FeatureDeviceType: {"mobile": 2}})
	require.NoError(t, tree.Reload(context.Background()))

	close(oldModel.release)
	r := <-done
	require.NoError(t, r.err)
	// old model + old encoder: 10 + 1.3 + 1
	assert.InDelta(t, 12.3, r.p.Price, 1e-9)

	// New requests see new model + new encoder: 20 + 1.3 + 2
	p, err := tree.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 23.3, p.Price, 1e-9)
}

func TestTree_ConcurrentPredictAndReload(t *testing.T) {
	models := make([]treeModel, 0, 21)
	for i := 0; i < 21; i++ {
		models = append(models, &linearModel{offset: float64(i * 100)})
	}
	loader := &stubLoader{models: models}
	tree, _ := newTestTree(t, loader, features.Table{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p, err := tree.Predict(context.Background(), features.Input{FloorPrice: 1})
				if assert.NoError(t, err) {
					// Every price must come from exactly one model: k*100 + 1.3
					rem := p.Price - 1.3
					assert.InDelta(t, 0, rem-float64(int(rem/100+0.5))*100, 1e-6)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Reload(context.Background()))
	}
	wg.Wait()
}

func TestTree_ClosedRejectsPredict(t *testing.T) {
	loader := &stubLoader{models: []treeModel{&linearModel{}}}
	tree, _ := newTestTree(t, loader, features.Table{})

	require.NoError(t, tree.Close())
	_, err := tree.Predict(context.Background(), features.Input{FloorPrice: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTree_Info(t *testing.T) {
	loader := &stubLoader{models: []treeModel{&linearModel{}}}
	tree, _ := newTestTree(t, loader, features.Table{})

	info := tree.Info()
	assert.Equal(t, KindTree, info.Kind)
	assert.Equal(t, "bid_model_v2", info.Version)
	assert.Equal(t, features.Size, info.NumFeatures)
	assert.Equal(t, FormatXGBoost, info.Details["format"])
	assert.False(t, info.LoadedAt.IsZero())
}

func TestLoadLeaves_UnsupportedFormat(t *testing.T) {
	_, err := loadLeaves("model.txt", "catboost")
	assert.Error(t, err)
}

func writeEncodersAt(t *testing.T, path string, table features.Table) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, mustJSON(t, table), 0o600))
}
