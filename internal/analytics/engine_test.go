package analytics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmill/insight/internal/anomaly"
	"github.com/taskmill/insight/internal/config"
	"github.com/taskmill/insight/internal/features"
	"github.com/taskmill/insight/internal/storage"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HistorySize = 200
	cfg.RetrainEvery = 1000 // tests trigger training explicitly unless stated
	cfg.MinTrainSamples = 10
	cfg.Folds = 3
	cfg.Epochs = 120
	cfg.Seed = 7
	cfg.Sequence.Enabled = false
	cfg.Sequence.Length = 5
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, store storage.Store) *Engine {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	e, err := New(cfg, zaptest.NewLogger(t).Sugar(), store)
	require.NoError(t, err)
	return e
}

// synthObservation follows duration = 100·complexity + 10·size with failures
// above a complexity threshold, so both model families have signal to learn.
func synthObservation(i int) features.Observation {
	complexity := float64(i%10 + 1)
	size := float64(i%4 + 1)
	kind := features.KindCPU
	if i%3 == 0 {
		kind = features.KindIO
	}
	return features.Observation{
		Task: features.Task{
			Complexity:      complexity,
			DependencyCount: i % 5,
			Priority:        i%3 + 1,
			Kind:            kind,
			Size:            size,
		},
		DurationMs: 100*complexity + 10*size,
		Failed:     complexity >= 7,
	}
}

func feedAndTrain(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e.RecordObservation(synthObservation(i))
	}
	e.TrainModels(context.Background())
	require.True(t, e.Trained())
}

func TestColdStartServesHeuristics(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()

	assert.Equal(t, StateReady, e.State())
	assert.False(t, e.Trained())

	task := features.Task{Complexity: 3, Priority: 1, Kind: features.KindCPU, Size: 2}

	dur := e.PredictDuration(task)
	assert.Equal(t, SourceHeuristic, dur.Source)
	assert.Equal(t, 3000.0, dur.DurationMs)
	assert.Zero(t, dur.Confidence)

	fail := e.PredictFailure(task)
	assert.Equal(t, 0.5, fail.Probability)
	assert.Zero(t, fail.Confidence)

	res := e.PredictResources(task)
	assert.Zero(t, res.Confidence)
	assert.Greater(t, res.MemoryMB, baseMemoryMB-1)

	select {
	case n := <-e.Notifications():
		assert.Equal(t, NotifInitialized, n.Type)
		assert.NotEmpty(t, n.ID)
	default:
		t.Fatal("expected an initialized notification")
	}
}

func TestTrainingProducesConfidentPredictions(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()

	feedAndTrain(t, e, 60)

	task := features.Task{Complexity: 5, Priority: 1, Kind: features.KindCPU, Size: 2}
	dur := e.PredictDuration(task)
	assert.Equal(t, SourceModel, dur.Source)
	assert.Greater(t, dur.Confidence, 0.0)
	// true value is 520; the SGD fit should land in the neighborhood
	assert.InDelta(t, 520, dur.DurationMs, 200)

	risky := e.PredictFailure(features.Task{Complexity: 10, Priority: 1, Size: 1})
	safe := e.PredictFailure(features.Task{Complexity: 1, Priority: 1, Size: 1})
	assert.Greater(t, risky.Probability, safe.Probability)
	assert.Greater(t, risky.Confidence, 0.5)

	res := e.PredictResources(task)
	assert.Greater(t, res.Units, 0.0)
	assert.Equal(t, res.Units, res.CPUSeconds)
	assert.Greater(t, res.MemoryMB, baseMemoryMB)

	durReport, failReport := e.LastReports()
	assert.Greater(t, durReport.R2, 0.0)
	assert.Greater(t, failReport.Accuracy, 0.9)

	snap := e.Metrics()
	assert.False(t, snap.LastValidation.IsZero())
	assert.Equal(t, int64(1), snap.Training.Started)
	assert.Equal(t, int64(1), snap.Training.Completed)
	assert.Greater(t, snap.PredictionsServed, int64(0))
}

func TestRecordingTriggersAsyncRetrain(t *testing.T) {
	cfg := testConfig()
	cfg.RetrainEvery = 25
	e := newTestEngine(t, cfg, nil)
	e.Initialize(context.Background())
	defer e.Close()

	for i := 0; i < 25; i++ {
		e.RecordObservation(synthObservation(i))
	}

	require.Eventually(t, e.Trained, 30*time.Second, 10*time.Millisecond)

	var trained bool
	deadline := time.After(5 * time.Second)
	for !trained {
		select {
		case n := <-e.Notifications():
			if n.Type == NotifModelsTrained {
				require.NotNil(t, n.Trained)
				assert.Equal(t, 25, n.Trained.Samples)
				trained = true
			}
		case <-deadline:
			t.Fatal("no models:trained notification")
		}
	}
}

func TestTrainingSkippedBelowMinimum(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()

	for i := 0; i < 5; i++ {
		e.RecordObservation(synthObservation(i))
	}
	e.TrainModels(context.Background())

	assert.False(t, e.Trained())
	snap := e.Metrics()
	assert.Equal(t, int64(0), snap.Training.Started)
	assert.Equal(t, int64(1), snap.Training.Skipped)
}

// gatedStore blocks SaveBundle until released so a training cycle can be
// held in its persistence step while more retrain triggers arrive.
type gatedStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) SaveBundle(ctx context.Context, b *storage.Bundle) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.SaveBundle(ctx, b)
}

func TestRetrainIsSingleFlight(t *testing.T) {
	cfg := testConfig()
	cfg.RetrainEvery = 20
	cfg.Epochs = 30
	store := newGatedStore()

	e := newTestEngine(t, cfg, store)
	e.Initialize(context.Background())

	// First 20 records cross the threshold once: one cycle starts and
	// parks inside SaveBundle.
	for i := 0; i < 20; i++ {
		e.RecordObservation(synthObservation(i))
	}
	select {
	case <-store.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("first training cycle never reached persistence")
	}

	// Cross the threshold again while the first cycle is still in flight;
	// the trigger must coalesce onto it, not start a second cycle.
	for i := 20; i < 50; i++ {
		e.RecordObservation(synthObservation(i))
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), e.Metrics().Training.Started)

	// Queries stay non-blocking mid-retrain.
	done := make(chan DurationPrediction, 1)
	go func() { done <- e.PredictDuration(features.Task{Complexity: 2}) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prediction blocked behind an in-flight retrain")
	}

	close(store.release)
	require.Eventually(t, func() bool {
		return e.Metrics().Training.Completed == 1
	}, 30*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), e.Metrics().Training.Started)

	require.NoError(t, e.Close())
}

func TestPersistenceRoundTripAcrossRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()

	e1 := newTestEngine(t, cfg, store)
	e1.Initialize(context.Background())
	feedAndTrain(t, e1, 60)

	task := features.Task{Complexity: 4, Priority: 2, Kind: features.KindIO, Size: 3}
	want := e1.PredictDuration(task)
	wantFail := e1.PredictFailure(task)
	require.NoError(t, e1.Close())

	e2 := newTestEngine(t, cfg, store)
	e2.Initialize(context.Background())
	defer e2.Close()

	require.True(t, e2.Trained())
	got := e2.PredictDuration(task)
	assert.Equal(t, SourceModel, got.Source)
	assert.InDelta(t, want.DurationMs, got.DurationMs, 1e-9)
	assert.InDelta(t, want.Confidence, got.Confidence, 1e-9)

	gotFail := e2.PredictFailure(task)
	assert.InDelta(t, wantFail.Probability, gotFail.Probability, 1e-9)
}

// failingStore returns unusable state on every read.
type failingStore struct {
	*storage.MemoryStore
}

func (s *failingStore) LoadBundle(ctx context.Context) (*storage.Bundle, error) {
	return nil, fmt.Errorf("%w: synthetic corruption", storage.ErrIncompatible)
}

func TestCorruptStateColdStarts(t *testing.T) {
	e := newTestEngine(t, testConfig(), &failingStore{storage.NewMemoryStore()})
	e.Initialize(context.Background())
	defer e.Close()

	assert.Equal(t, StateReady, e.State())
	assert.False(t, e.Trained())
	assert.Equal(t, SourceHeuristic, e.PredictDuration(features.Task{Complexity: 2}).Source)
}

func TestQueryPanicYieldsDefault(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()
	<-e.Notifications() // drop initialized

	// A trained set with nil members forces a panic inside the query path.
	e.committed.Store(&modelSet{trained: true})

	out := e.PredictDuration(features.Task{Complexity: 3})
	assert.Equal(t, SourceHeuristic, out.Source)
	assert.Zero(t, out.Confidence)

	fail := e.PredictFailure(features.Task{Complexity: 3})
	assert.Equal(t, 0.5, fail.Probability)

	sawError := false
	for len(e.Notifications()) > 0 {
		if n := <-e.Notifications(); n.Type == NotifPredictionError {
			sawError = true
			require.NotNil(t, n.Error)
		}
	}
	assert.True(t, sawError, "expected a prediction:error notification")
}

func TestNotificationOverflowDrops(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	defer e.Close()

	for i := 0; i < notificationBuffer+10; i++ {
		e.events.publish(NotifPredictionError, nil, &ErrorEvent{Op: "test"})
	}

	received := 0
	for {
		select {
		case <-e.Notifications():
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, notificationBuffer, received)
}

func TestDegradationWithoutSequenceBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Sequence.Enabled = false
	e := newTestEngine(t, cfg, nil)
	e.Initialize(context.Background())
	defer e.Close()

	feedAndTrain(t, e, 60)

	p := e.PredictWithConfidence(features.Task{Complexity: 5, Size: 2})
	assert.Greater(t, p.Value, 0.0)
	assert.Greater(t, p.Confidence, 0.0)
	assert.Less(t, p.Low, p.High)
	assert.Equal(t, "fallback", p.Source)
}

func TestHistoryEviction(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 20
	e := newTestEngine(t, cfg, nil)
	e.Initialize(context.Background())
	defer e.Close()

	for i := 0; i < 35; i++ {
		e.RecordObservation(synthObservation(i))
	}
	assert.Equal(t, 20, e.Metrics().HistoryLength)

	e.histMu.RLock()
	oldest := e.history[0]
	e.histMu.RUnlock()
	assert.Equal(t, synthObservation(15).Complexity, oldest.Complexity)
}

func TestForecastPassthrough(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()

	out := e.Forecast([]float64{5, 5, 5, 5, 5, 5, 5, 5}, 4)
	require.Len(t, out, 4)
	for _, v := range out {
		assert.InDelta(t, 5, v, 0.5)
	}
}

func TestDetectAnomaliesUsesConfiguredDefaults(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	defer e.Close()

	values := make([]float64, 50)
	for i := range values {
		values[i] = float64(i%5) * 0.1
	}
	values[10], values[25], values[40] = 100, 100, 100

	points := e.DetectAnomalies(values, anomaly.Options{})
	require.NotEmpty(t, points)
	flagged := map[int]bool{}
	for _, p := range points {
		flagged[p.Index] = true
	}
	assert.True(t, flagged[10] && flagged[25] && flagged[40])
	assert.LessOrEqual(t, len(points), 8)
}

func TestCloseRacesWithRecording(t *testing.T) {
	cfg := testConfig()
	cfg.RetrainEvery = 1      // every record arms an async retrain
	cfg.MinTrainSamples = 500 // armed cycles skip immediately
	e := newTestEngine(t, cfg, nil)
	e.Initialize(context.Background())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				e.RecordObservation(synthObservation(w*50 + i))
			}
		}(w)
	}

	// Close lands mid-stream: records that saw the engine open have their
	// retrain accounted for before Wait, later ones are dropped. Nothing
	// may panic, deadlock, or trip the race detector.
	close(start)
	require.NoError(t, e.Close())
	wg.Wait()

	assert.Equal(t, StateClosed, e.State())
}

func TestCloseStopsRecording(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil)
	e.Initialize(context.Background())
	require.NoError(t, e.Close())

	assert.Equal(t, StateClosed, e.State())
	e.RecordObservation(synthObservation(1))
	assert.Equal(t, 0, e.Metrics().HistoryLength)
}
