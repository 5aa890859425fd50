package analytics

import (
	"context"
	"errors"
	"math"
	rand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/taskmill/insight/internal/anomaly"
	"github.com/taskmill/insight/internal/config"
	"github.com/taskmill/insight/internal/features"
	"github.com/taskmill/insight/internal/predictor"
	"github.com/taskmill/insight/internal/storage"
	"github.com/taskmill/insight/pkg/metrics"
)

// Engine is the analytics orchestrator. It owns the observation history,
// retrains on a cadence without blocking recording or queries, gates new
// parameters behind cross validation, and persists committed state.
//
// Queries read the last committed model set; a retrain builds a full
// replacement and swaps it in atomically, so queries are safe at any time,
// including mid-retrain. No failure inside the engine propagates to the
// caller: training errors flow to the notification channel and queries
// degrade to zero-confidence defaults.
type Engine struct {
	cfg   config.Config
	log   *zap.SugaredLogger
	store storage.Store

	seed   uint64
	rngCtr atomic.Uint64

	state     atomic.Int32
	committed atomic.Pointer[modelSet]

	histMu     sync.RWMutex
	history    []features.Observation
	sinceTrain int

	sf singleflight.Group
	wg sync.WaitGroup

	events *notifier

	predictionsServed atomic.Int64
	statsStarted      atomic.Int64
	statsCompleted    atomic.Int64
	statsSkipped      atomic.Int64
	statsFailed       atomic.Int64
}

// New wires an engine from configuration. A nil store is resolved from
// cfg.Storage: a badger store when a path is set, in-memory otherwise.
func New(cfg config.Config, log *zap.SugaredLogger, store storage.Store) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if store == nil {
		var err error
		store, err = openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		store:  store,
		seed:   seed,
		events: newNotifier(log),
	}
	e.state.Store(int32(StateCreated))
	e.committed.Store(e.untrainedSet())
	return e, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Path == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewBadgerStore(cfg.Path)
}

// childRng derives an independent seeded generator. Training, forecasting
// and anomaly passes each take their own so seeded runs stay reproducible
// regardless of interleaving.
func (e *Engine) childRng() *rand.Rand {
	return rand.New(rand.NewPCG(e.seed, e.rngCtr.Add(1)))
}

// Initialize loads persisted state if any exists and transitions the engine
// to ready. Absent, corrupt, or incompatible state means a cold start and is
// never an error.
func (e *Engine) Initialize(ctx context.Context) {
	bundle, err := e.store.LoadBundle(ctx)
	switch {
	case err == nil:
		e.restore(ctx, bundle)
	case errors.Is(err, storage.ErrNotFound):
		e.log.Infow("no persisted state, starting untrained")
	default:
		e.log.Warnw("persisted state unusable, starting untrained", "error", err)
	}

	e.state.Store(int32(StateReady))
	e.events.publish(NotifInitialized, nil, nil)
	e.log.Infow("analytics engine initialized",
		"trained", e.committed.Load().trained,
		"history_size", e.cfg.HistorySize,
		"retrain_every", e.cfg.RetrainEvery)
}

// restore rebuilds the committed set from a loaded bundle. Validation
// reports are synthesized from the persisted metrics so query confidence
// survives a restart.
func (e *Engine) restore(ctx context.Context, bundle *storage.Bundle) {
	set := e.untrainedSet()
	set.scaler = features.RestoreScaler(bundle.Scaler)
	set.duration.Restore(bundle.Duration)
	set.resources.Restore(bundle.Resources)
	set.failure.Restore(bundle.Failure)
	set.trained = set.duration.Trained() && set.failure.Trained()
	set.durationReport = predictor.Report{MSE: bundle.Metrics.LastMSE, R2: bundle.Metrics.LastR2}
	set.failureReport = predictor.Report{Accuracy: bundle.Metrics.LastAccuracy}
	set.validatedAt = bundle.Metrics.LastValidation

	if raw, err := e.store.LoadSequence(ctx); err == nil {
		if err := set.sequence.RestoreState(raw); err != nil {
			e.log.Warnw("sequence artifact unusable, sequence model starts cold", "error", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.log.Warnw("sequence artifact unreadable, sequence model starts cold", "error", err)
	}

	e.predictionsServed.Store(bundle.Metrics.PredictionsServed)
	e.committed.Store(set)
	e.log.Infow("restored persisted models",
		"saved_at", bundle.SavedAt,
		"history_size", bundle.HistorySize,
		"sequence_backend", bundle.UsingSequenceBackend)
}

// untrainedSet builds a cold model generation so queries are well defined
// before the first training cycle.
func (e *Engine) untrainedSet() *modelSet {
	pcfg := e.predictorConfig()
	return &modelSet{
		scaler:    features.NewScaler(),
		duration:  predictor.NewLinearRegressor(pcfg, e.childRng()),
		resources: predictor.NewLinearRegressor(pcfg, e.childRng()),
		failure:   predictor.NewLogisticRegressor(pcfg, e.childRng()),
		sequence:  predictor.NewSequenceModel(e.sequenceConfig(), e.log, e.childRng()),
	}
}

func (e *Engine) predictorConfig() predictor.Config {
	return predictor.Config{
		LearningRate: e.cfg.LearningRate,
		Epochs:       e.cfg.Epochs,
		BatchSize:    e.cfg.BatchSize,
		L2:           e.cfg.Regularization,
	}
}

func (e *Engine) sequenceConfig() predictor.SequenceConfig {
	return predictor.SequenceConfig{
		Enabled:      e.cfg.Sequence.Enabled,
		Length:       e.cfg.Sequence.Length,
		Hidden:       e.cfg.Sequence.Hidden,
		Epochs:       e.cfg.Sequence.Epochs,
		Dropout:      e.cfg.Sequence.Dropout,
		LearningRate: e.cfg.LearningRate,
		Timeout:      e.cfg.Sequence.Timeout,
	}
}

// RecordTask records a completed task outcome.
func (e *Engine) RecordTask(task features.Task, durationMs float64, failed bool) {
	e.RecordObservation(features.Observation{Task: task, DurationMs: durationMs, Failed: failed})
}

// RecordObservation appends to the bounded history, evicting the oldest
// entry on overflow. Every RetrainEvery accumulated observations it fires an
// asynchronous retrain; recording never waits for training.
func (e *Engine) RecordObservation(obs features.Observation) {
	obs = features.SanitizeObservation(obs)

	// The closed check, the retrain decision and the WaitGroup add all
	// happen under histMu so Close cannot start waiting between them.
	e.histMu.Lock()
	if e.closed() {
		e.histMu.Unlock()
		return
	}
	e.history = append(e.history, obs)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.sinceTrain++
	trigger := e.sinceTrain >= e.cfg.RetrainEvery
	if trigger {
		e.sinceTrain = 0
		e.wg.Add(1)
	}
	length := len(e.history)
	e.histMu.Unlock()

	metrics.HistoryLength.Set(float64(length))

	if trigger {
		go func() {
			defer e.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorw("retrain goroutine panic", "panic", r)
				}
			}()
			e.TrainModels(context.Background())
		}()
	}
}

// TrainModels runs one training cycle. Concurrent callers coalesce onto a
// single in-flight cycle (single-flight guard), so overlapping retrain
// triggers can never interleave train and persist steps. Below the minimum
// sample count the cycle is skipped silently.
func (e *Engine) TrainModels(ctx context.Context) {
	e.sf.Do("retrain", func() (interface{}, error) {
		e.runTrainingCycle(ctx)
		return nil, nil
	})
}

func (e *Engine) runTrainingCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.statsFailed.Add(1)
			metrics.TrainingCycles.WithLabelValues("failed").Inc()
			e.log.Errorw("training cycle failed", "panic", r)
			e.events.publish(NotifTrainingError, nil, &ErrorEvent{Op: "train", Message: "training cycle panic"})
		}
	}()

	if e.closed() {
		return
	}

	e.histMu.RLock()
	obs := append([]features.Observation(nil), e.history...)
	e.histMu.RUnlock()

	if len(obs) < e.cfg.MinTrainSamples {
		e.statsSkipped.Add(1)
		metrics.TrainingCycles.WithLabelValues("skipped").Inc()
		e.log.Debugw("training skipped, not enough samples",
			"have", len(obs), "need", e.cfg.MinTrainSamples)
		return
	}

	e.statsStarted.Add(1)
	e.state.Store(int32(StateTraining))
	defer e.state.CompareAndSwap(int32(StateTraining), int32(StateReady))
	start := time.Now()

	rows := make([][]float64, len(obs))
	durY := make([]float64, len(obs))
	failY := make([]float64, len(obs))
	resY := make([]float64, len(obs))
	for i, o := range obs {
		rows[i] = features.Encode(o.Task)
		durY[i] = o.DurationMs
		if o.Failed {
			failY[i] = 1
		}
		resY[i] = resourceUnits(o)
	}

	scaler := features.NewScaler()
	scaler.Fit(rows)
	scaled := scaler.TransformAll(rows)

	pcfg := e.predictorConfig()

	// Validate both model families before trusting new parameters. The
	// fold models are disposable fresh instances; the production models
	// train afterwards on the full set.
	var durReport, failReport predictor.Report
	rngDur, rngFail := e.childRng(), e.childRng()
	var g errgroup.Group
	g.Go(func() error {
		durReport = predictor.CrossValidate(predictor.Regression, scaled, durY, e.cfg.Folds, rngDur,
			func() predictor.Regressor { return predictor.NewLinearRegressor(pcfg, rngDur) })
		return nil
	})
	g.Go(func() error {
		failReport = predictor.CrossValidate(predictor.Classification, scaled, failY, e.cfg.Folds, rngFail,
			func() predictor.Regressor { return predictor.NewLogisticRegressor(pcfg, rngFail) })
		return nil
	})
	g.Wait()

	duration := predictor.NewLinearRegressor(pcfg, e.childRng())
	duration.Train(scaled, durY)
	resources := predictor.NewLinearRegressor(pcfg, e.childRng())
	resources.Train(scaled, resY)
	failure := predictor.NewLogisticRegressor(pcfg, e.childRng())
	failure.Train(scaled, failY)

	sequence := predictor.NewSequenceModel(e.sequenceConfig(), e.log, e.childRng())
	sequence.Train(ctx, durY)

	set := &modelSet{
		scaler:         scaler,
		duration:       duration,
		resources:      resources,
		failure:        failure,
		sequence:       sequence,
		trained:        true,
		durationReport: durReport,
		failureReport:  failReport,
		validatedAt:    time.Now().UTC(),
	}
	e.committed.Store(set)

	elapsed := time.Since(start)
	metrics.TrainingDuration.Observe(elapsed.Seconds())
	metrics.ModelR2.WithLabelValues("duration").Set(durReport.R2)
	metrics.ModelMSE.WithLabelValues("duration").Set(durReport.MSE)
	metrics.ModelR2.WithLabelValues("failure").Set(failReport.R2)
	metrics.ModelMSE.WithLabelValues("failure").Set(failReport.MSE)

	if e.cfg.Storage.AutoSave {
		e.persist(ctx, set, len(obs))
	}

	e.statsCompleted.Add(1)
	metrics.TrainingCycles.WithLabelValues("completed").Inc()
	e.events.publish(NotifModelsTrained, &TrainedEvent{
		Duration: durReport,
		Failure:  failReport,
		Samples:  len(obs),
	}, nil)
	e.log.Infow("models retrained",
		"samples", len(obs),
		"duration_r2", durReport.R2,
		"failure_accuracy", failReport.Accuracy,
		"sequence_backend", sequence.UsingBackend(),
		"elapsed", elapsed)
}

// persist writes the committed set. Failures are logged; in-memory state
// stays authoritative.
func (e *Engine) persist(ctx context.Context, set *modelSet, historyLen int) {
	bundle := &storage.Bundle{
		Version:              storage.BundleVersion,
		FeatureVersion:       features.FeatureVersion,
		Scaler:               set.scaler.State(),
		Duration:             set.duration.State(),
		Resources:            set.resources.State(),
		Failure:              set.failure.State(),
		UsingSequenceBackend: set.sequence.UsingBackend(),
		Metrics: storage.ModelMetrics{
			PredictionsServed: e.predictionsServed.Load(),
			LastMSE:           set.durationReport.MSE,
			LastR2:            set.durationReport.R2,
			LastAccuracy:      set.failureReport.Accuracy,
			LastValidation:    set.validatedAt,
		},
		HistorySize: historyLen,
		SavedAt:     time.Now().UTC(),
	}
	if err := e.store.SaveBundle(ctx, bundle); err != nil {
		e.log.Errorw("bundle save failed, serving from memory", "error", err)
		return
	}
	raw, err := set.sequence.State()
	if err != nil {
		e.log.Errorw("sequence state encode failed", "error", err)
		return
	}
	if err := e.store.SaveSequence(ctx, raw); err != nil {
		e.log.Errorw("sequence artifact save failed", "error", err)
	}
}

// PredictDuration estimates expected wall time. Untrained engines answer
// with a complexity-scaled heuristic at zero confidence.
func (e *Engine) PredictDuration(task features.Task) (out DurationPrediction) {
	task = features.Sanitize(task)
	out = DurationPrediction{
		DurationMs: task.Complexity * heuristicMsPerCx,
		Source:     SourceHeuristic,
	}
	defer e.recoverQuery("duration", func() { out.Confidence, out.Source = 0, SourceHeuristic })

	e.served("duration")
	c := e.committed.Load()
	if !c.trained {
		return out
	}
	v := c.duration.Predict(c.scaler.Transform(features.Encode(task)))
	if !finite(v) {
		return out
	}
	if v < 0 {
		v = 0
	}
	return DurationPrediction{
		DurationMs: v,
		Confidence: clamp01(c.durationReport.R2),
		Source:     SourceModel,
	}
}

// PredictFailure estimates failure probability. Untrained engines answer
// maximum uncertainty: probability 0.5 at zero confidence.
func (e *Engine) PredictFailure(task features.Task) (out FailurePrediction) {
	task = features.Sanitize(task)
	out = FailurePrediction{Probability: 0.5}
	defer e.recoverQuery("failure", func() { out = FailurePrediction{Probability: 0.5} })

	e.served("failure")
	c := e.committed.Load()
	if !c.trained {
		return out
	}
	p := c.failure.Predict(c.scaler.Transform(features.Encode(task)))
	if !finite(p) {
		return out
	}
	return FailurePrediction{
		Probability: p,
		Risky:       p > 0.5,
		Confidence:  clamp01(c.failureReport.Accuracy),
	}
}

// PredictResources estimates resource consumption in compute units plus
// derived CPU/memory figures. Confidence follows the duration validation:
// the resources model shares its feature pipeline and target scale.
func (e *Engine) PredictResources(task features.Task) (out ResourcePrediction) {
	task = features.Sanitize(task)
	heuristic := task.Complexity * kindWeight(task.Kind)
	out = derivedResources(heuristic, 0)
	defer e.recoverQuery("resources", func() { out = derivedResources(heuristic, 0) })

	e.served("resources")
	c := e.committed.Load()
	if !c.trained {
		return out
	}
	u := c.resources.Predict(c.scaler.Transform(features.Encode(task)))
	if !finite(u) {
		return out
	}
	if u < 0 {
		u = 0
	}
	return derivedResources(u, clamp01(c.durationReport.R2))
}

func derivedResources(units, confidence float64) ResourcePrediction {
	return ResourcePrediction{
		Units:      units,
		CPUSeconds: units,
		MemoryMB:   baseMemoryMB + memoryPerUnitMB*units,
		Confidence: confidence,
	}
}

// PredictWithConfidence estimates the next duration with a ± band: the
// sequence model over the recent duration window when it is trained, else
// the duration model point with a heuristic band.
func (e *Engine) PredictWithConfidence(task features.Task) (out predictor.SequencePrediction) {
	point := e.PredictDuration(task)
	out = predictor.SequencePrediction{
		Value:      point.DurationMs,
		Low:        point.DurationMs * 0.85,
		High:       point.DurationMs * 1.15,
		Confidence: point.Confidence,
		Source:     point.Source,
	}
	defer e.recoverQuery("sequence", func() { out.Confidence = 0 })

	c := e.committed.Load()
	if !c.trained || !c.sequence.Trained() {
		return out
	}

	e.histMu.RLock()
	recent := make([]float64, 0, e.cfg.Sequence.Length)
	from := len(e.history) - e.cfg.Sequence.Length
	if from < 0 {
		from = 0
	}
	for _, o := range e.history[from:] {
		recent = append(recent, o.DurationMs)
	}
	e.histMu.RUnlock()

	if len(recent) == 0 {
		return out
	}
	e.served("sequence")
	return c.sequence.Predict(recent)
}

// Forecast fits an autoregression on the given series and rolls it forward
// horizon steps. Short or empty series forecast their mean.
func (e *Engine) Forecast(series []float64, horizon int) (out []float64) {
	defer e.recoverQuery("forecast", func() { out = nil })

	e.served("forecast")
	m := predictor.NewTimeSeriesModel(e.cfg.ForecastOrder, e.childRng())
	m.Train(series)
	return m.Forecast(series, horizon)
}

// DetectAnomalies flags outliers in the series. Zero-valued options take
// the configured defaults; a zero seed derives one from the engine seed so
// seeded runs stay reproducible.
func (e *Engine) DetectAnomalies(values []float64, opts anomaly.Options) (out []anomaly.Point) {
	defer e.recoverQuery("anomaly", func() { out = nil })

	if opts.Contamination == 0 {
		opts.Contamination = e.cfg.Anomaly.Contamination
	}
	if opts.Estimators == 0 {
		opts.Estimators = e.cfg.Anomaly.Estimators
	}
	if opts.ZThreshold == 0 {
		opts.ZThreshold = e.cfg.Anomaly.ZThreshold
	}
	if opts.Seed == 0 {
		opts.Seed = e.seed + e.rngCtr.Add(1)
	}

	e.served("anomaly")
	points := anomaly.NewDetector(opts, e.log).Detect(values)
	for _, p := range points {
		metrics.AnomaliesFound.WithLabelValues(p.Method).Inc()
	}
	return points
}

// Metrics snapshots the engine's observable state.
func (e *Engine) Metrics() MetricsSnapshot {
	c := e.committed.Load()
	e.histMu.RLock()
	length := len(e.history)
	e.histMu.RUnlock()

	return MetricsSnapshot{
		PredictionsServed: e.predictionsServed.Load(),
		LastMSE:           c.durationReport.MSE,
		LastR2:            c.durationReport.R2,
		LastAccuracy:      c.failureReport.Accuracy,
		LastValidation:    c.validatedAt,
		HistoryLength:     length,
		State:             e.State().String(),
		Training: TrainingStats{
			Started:   e.statsStarted.Load(),
			Completed: e.statsCompleted.Load(),
			Skipped:   e.statsSkipped.Load(),
			Failed:    e.statsFailed.Load(),
		},
		UsingSequence: c.sequence.UsingBackend(),
	}
}

// LastReports returns the most recent cross-validation reports for the
// duration and failure models.
func (e *Engine) LastReports() (duration, failure predictor.Report) {
	c := e.committed.Load()
	return c.durationReport, c.failureReport
}

// Trained reports whether a committed model set is serving.
func (e *Engine) Trained() bool { return e.committed.Load().trained }

// Notifications exposes the fire-and-forget event stream. The channel is
// buffered; events beyond the buffer are dropped, never queued.
func (e *Engine) Notifications() <-chan Notification { return e.events.channel() }

// State reports the current lifecycle state.
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

func (e *Engine) closed() bool { return e.State() == StateClosed }

// Close waits for any in-flight retrain, closes the notification channel
// and releases the store. The engine serves nothing afterwards.
func (e *Engine) Close() error {
	// Transition under histMu: recorders that saw the engine open have
	// already added their retrain to the WaitGroup, recorders after this
	// point see it closed, so Wait never races an Add from zero.
	e.histMu.Lock()
	e.state.Store(int32(StateClosed))
	e.histMu.Unlock()
	e.wg.Wait()
	e.events.close()
	return e.store.Close()
}

// served counts a query against both the process metrics and the prometheus
// collectors.
func (e *Engine) served(model string) {
	e.predictionsServed.Add(1)
	metrics.PredictionsTotal.WithLabelValues(model).Inc()
}

// recoverQuery converts a query panic into the zero-confidence default,
// an error metric and a prediction:error notification.
func (e *Engine) recoverQuery(model string, reset func()) {
	r := recover()
	if r == nil {
		return
	}
	metrics.PredictionErrors.WithLabelValues(model).Inc()
	e.log.Errorw("prediction failed, serving default", "model", model, "panic", r)
	e.events.publish(NotifPredictionError, nil, &ErrorEvent{Op: model, Message: "recovered prediction panic"})
	reset()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
