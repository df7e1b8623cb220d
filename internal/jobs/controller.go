package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
	"koopmem/internal/consolidation"
	"koopmem/internal/eventbus"
	"koopmem/internal/spectral"
	"koopmem/internal/trace"
	"koopmem/internal/vault"
)

// Publisher is the subset of eventbus.NATSBus the controller needs, kept
// as an interface so tests can substitute a fake bus.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.CanonicalEvent) error
}

// Controller runs consolidation jobs against an Engine and spectral-fit
// jobs against an IncrementalLearner, tracking lifecycle
// state, supporting cooperative pause/cancel, and mirroring status into
// Redis as a fast read path.
type Controller struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancelFuncs map[string]context.CancelFunc
	pauseChans  map[string]chan struct{}
	paused      map[string]bool

	engine *consolidation.Engine
	redis  *redis.Client
	bus    Publisher

	maxConcurrent int
	sem           chan struct{}

	replayStats *ReplayStatsTracker
}

// Config configures a Controller. Redis and Bus are optional; when nil the
// controller keeps state purely in memory and skips publication.
type Config struct {
	Engine        *consolidation.Engine
	Redis         *redis.Client
	Bus           Publisher
	MaxConcurrent int
}

// New creates a job controller.
func New(cfg Config) *Controller {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 4
	}
	return &Controller{
		jobs:          map[string]*Job{},
		cancelFuncs:   map[string]context.CancelFunc{},
		pauseChans:    map[string]chan struct{}{},
		paused:        map[string]bool{},
		engine:        cfg.Engine,
		redis:         cfg.Redis,
		bus:           cfg.Bus,
		maxConcurrent: max,
		sem:           make(chan struct{}, max),
		replayStats:   NewReplayStatsTracker(0),
	}
}

// ReplayStats returns the aggregate `GetReplayStats` view over every
// consolidation cycle this controller has run.
func (c *Controller) ReplayStats() ReplaySummary {
	return c.replayStats.Summary()
}

// StartConsolidation creates a QUEUED job and launches it asynchronously,
// subject to the controller's concurrency limit.
func (c *Controller) StartConsolidation(episodes []*vault.Episode, params consolidation.ReplayParameters) (*Job, error) {
	if c.engine == nil {
		return nil, apperr.New(apperr.Internal, "job controller has no consolidation engine configured")
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      KindConsolidation,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		Params:    map[string]interface{}{"episode_count": len(episodes)},
	}

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.pauseChans[job.ID] = make(chan struct{}, 1)
	c.mu.Unlock()

	c.mirrorStatus(job)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFuncs[job.ID] = cancel
	c.mu.Unlock()

	go c.runConsolidation(ctx, job.ID, episodes, params)

	return job.clone(), nil
}

func (c *Controller) runConsolidation(ctx context.Context, jobID string, episodes []*vault.Episode, params consolidation.ReplayParameters) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	if err := c.setStatus(jobID, StatusRunning); err != nil {
		log.Printf("🔥 [JOB-CONTROLLER] job %s failed to start: %v", jobID, err)
		return
	}
	c.publish(ctx, jobID, eventbus.EventJobStarted, nil)
	log.Printf("⏰ [JOB-CONTROLLER] job %s running (%d episodes)", jobID, len(episodes))

	var allDeltas []consolidation.ConceptDelta
	var aggregate consolidation.CycleStats
	total := len(episodes)

	// Each cycle holds one episode, so the failure share is checked here
	// against the whole job rather than inside each cycle.
	cycleParams := params
	cycleParams.MaxFailureFraction = 0

	for i, ep := range episodes {
		if c.awaitResumeOrStop(ctx, jobID) {
			return
		}

		deltas, stats, err := c.engine.RunCycle(ctx, jobID, []*vault.Episode{ep}, cycleParams)
		if err != nil {
			c.fail(ctx, jobID, err)
			return
		}
		allDeltas = append(allDeltas, deltas...)
		aggregate.EpisodesProcessed += stats.EpisodesProcessed
		aggregate.EpisodesFailed += stats.EpisodesFailed
		aggregate.EdgesPruned += stats.EdgesPruned
		aggregate.TotalEnergyImprovement += stats.TotalEnergyImprovement

		if params.MaxFailureFraction > 0 && float64(aggregate.EpisodesFailed)/float64(total) > params.MaxFailureFraction {
			c.fail(ctx, jobID, apperr.New(apperr.Internal, "consolidation job exceeded max failure fraction"))
			return
		}

		if stats.Cancelled {
			c.cancelled(ctx, jobID)
			return
		}

		for _, d := range deltas {
			c.publish(ctx, jobID, eventbus.EventConceptDelta, map[string]interface{}{
				"concept":            d.Concept,
				"energy_improvement": d.EnergyImprovement,
			})
		}

		c.setProgress(jobID, float64(i+1)/float64(total))
	}

	c.replayStats.Record(jobID, aggregate)
	c.complete(ctx, jobID, map[string]interface{}{
		"episodes_processed":      aggregate.EpisodesProcessed,
		"episodes_failed":         aggregate.EpisodesFailed,
		"edges_pruned":            aggregate.EdgesPruned,
		"total_energy_improvement": aggregate.TotalEnergyImprovement,
		"concept_delta_count":     len(allDeltas),
	})
}

// StartSpectralFit creates a QUEUED dmd_processing job and launches it
// asynchronously, subject to the controller's concurrency limit. onModel,
// when non-nil, is called with every model produced by an observation that
// triggers a refit, letting the caller keep its own cached model current
// without the controller needing to know about callers' state.
func (c *Controller) StartSpectralFit(traces []trace.Trace, learner *spectral.IncrementalLearner, stats *spectral.StatsTracker, onModel func(*spectral.Model)) (*Job, error) {
	if learner == nil {
		return nil, apperr.New(apperr.Internal, "job controller has no spectral learner configured")
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      KindDMDProcessing,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		Params:    map[string]interface{}{"trace_count": len(traces)},
	}

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.pauseChans[job.ID] = make(chan struct{}, 1)
	c.mu.Unlock()

	c.mirrorStatus(job)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFuncs[job.ID] = cancel
	c.mu.Unlock()

	go c.runSpectralFit(ctx, job.ID, traces, learner, stats, onModel)

	return job.clone(), nil
}

func (c *Controller) runSpectralFit(ctx context.Context, jobID string, traces []trace.Trace, learner *spectral.IncrementalLearner, stats *spectral.StatsTracker, onModel func(*spectral.Model)) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	if err := c.setStatus(jobID, StatusRunning); err != nil {
		log.Printf("🔥 [JOB-CONTROLLER] job %s failed to start: %v", jobID, err)
		return
	}
	c.publish(ctx, jobID, eventbus.EventJobStarted, nil)
	log.Printf("⏰ [JOB-CONTROLLER] job %s running (%d traces)", jobID, len(traces))

	var model *spectral.Model
	var series []*activation.ConceptActivation
	total := len(traces)

	for i, tr := range traces {
		if c.awaitResumeOrStop(ctx, jobID) {
			return
		}

		for _, snap := range tr.Snapshots {
			series = append(series, snap.Activation)
		}

		fitted, err := learner.Observe(tr)
		if err != nil {
			c.fail(ctx, jobID, err)
			return
		}
		if fitted != nil && fitted != model {
			model = fitted
			if stats != nil {
				stats.Record(model)
			}
			if onModel != nil {
				onModel(model)
			}
		}

		c.setProgress(jobID, float64(i+1)/float64(total))
	}

	result := map[string]interface{}{"has_model": model != nil}
	if model != nil {
		result["mode_count"] = len(model.Modes)
		result["dominant_eigenvalues"] = model.DominantEigenvalues(5)
		result["mode_sparsity"] = model.MeanSparsity()
		if predErr, err := model.PredictionError(series); err == nil {
			result["prediction_error"] = predErr
		}
	}
	c.complete(ctx, jobID, result)
}

// awaitResumeOrStop blocks while the job is paused, and reports whether the
// caller should stop entirely (context cancelled). It is the job runner's
// single cooperative safe point, called once per episode of a
// consolidation job and once per trace of a spectral-fit job.
func (c *Controller) awaitResumeOrStop(ctx context.Context, jobID string) bool {
	for {
		select {
		case <-ctx.Done():
			c.cancelled(ctx, jobID)
			return true
		default:
		}

		c.mu.RLock()
		paused := c.paused[jobID]
		pauseChan := c.pauseChans[jobID]
		c.mu.RUnlock()
		if !paused {
			return false
		}

		select {
		case <-ctx.Done():
			c.cancelled(ctx, jobID)
			return true
		case <-pauseChan:
			continue
		}
	}
}

// Pause transitions a RUNNING job to PAUSED; the runner goroutine blocks at
// its next safe point until Resume or Cancel.
func (c *Controller) Pause(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if err := job.transition(StatusPaused); err != nil {
		return err
	}
	c.paused[jobID] = true
	c.mirrorStatusLocked(job)
	return nil
}

// Resume transitions a PAUSED job back to RUNNING and wakes its runner.
func (c *Controller) Resume(jobID string) error {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if err := job.transition(StatusRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.paused[jobID] = false
	pauseChan := c.pauseChans[jobID]
	c.mirrorStatusLocked(job)
	c.mu.Unlock()

	select {
	case pauseChan <- struct{}{}:
	default:
	}
	return nil
}

// Cancel requests cooperative cancellation of a job. It does not block for the runner to observe it.
func (c *Controller) Cancel(jobID string) error {
	c.mu.RLock()
	cancel, ok := c.cancelFuncs[jobID]
	job := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok || job == nil {
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if job.Status.Terminal() {
		return apperr.New(apperr.Conflict, fmt.Sprintf("job %s is already terminal (%s)", jobID, job.Status))
	}
	cancel()
	return nil
}

// Get returns a snapshot of a job's current state, preferring the Redis
// mirror when available.
func (c *Controller) Get(jobID string) (*Job, error) {
	if c.redis != nil {
		if job, ok := c.readMirror(jobID); ok {
			return job, nil
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, apperr.NotFoundf("job %s not found", jobID)
	}
	return job.clone(), nil
}

func (c *Controller) setStatus(jobID string, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if err := job.transition(status); err != nil {
		return err
	}
	c.mirrorStatusLocked(job)
	return nil
}

func (c *Controller) setProgress(jobID string, progress float64) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if ok {
		job.Progress = progress
		c.mirrorStatusLocked(job)
	}
	c.mu.Unlock()
}

func (c *Controller) complete(ctx context.Context, jobID string, result map[string]interface{}) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if ok {
		job.Result = result
		job.Progress = 1
		_ = job.transition(StatusCompleted)
		c.mirrorStatusLocked(job)
	}
	c.mu.Unlock()
	if ok {
		c.publish(ctx, jobID, eventbus.EventJobCompleted, result)
		log.Printf("✅ [JOB-CONTROLLER] job %s completed", jobID)
	}
}

func (c *Controller) fail(ctx context.Context, jobID string, err error) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if ok {
		job.Error = err.Error()
		_ = job.transition(StatusFailed)
		c.mirrorStatusLocked(job)
	}
	c.mu.Unlock()
	if ok {
		c.publish(ctx, jobID, eventbus.EventJobFailed, map[string]interface{}{"error": err.Error()})
		log.Printf("🔥 [JOB-CONTROLLER] job %s failed: %v", jobID, err)
	}
}

func (c *Controller) cancelled(ctx context.Context, jobID string) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if ok {
		_ = job.transition(StatusCancelled)
		c.mirrorStatusLocked(job)
	}
	c.mu.Unlock()
	if ok {
		c.publish(ctx, jobID, eventbus.EventJobCancelled, nil)
		log.Printf("🛑 [JOB-CONTROLLER] job %s cancelled", jobID)
	}
}

func (c *Controller) publish(ctx context.Context, jobID string, evtType eventbus.EventType, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	evt := eventbus.CanonicalEvent{
		Type:    evtType,
		JobID:   jobID,
		Payload: payload,
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		log.Printf("⚠️ [JOB-CONTROLLER] failed to publish %s for job %s: %v", evtType, jobID, err)
	}
}

const redisKeyPrefix = "koopmem:job:"

func (c *Controller) mirrorStatus(job *Job) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.mirrorStatusLocked(job)
}

func (c *Controller) mirrorStatusLocked(job *Job) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Set(ctx, redisKeyPrefix+job.ID, data, time.Hour).Err(); err != nil {
		log.Printf("⚠️ [JOB-CONTROLLER] redis mirror write failed for job %s: %v", job.ID, err)
	}
}

func (c *Controller) readMirror(jobID string) (*Job, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	data, err := c.redis.Get(ctx, redisKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, false
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false
	}
	return &job, true
}

// String is used by tests and logging to render a job compactly.
func (j *Job) String() string {
	return fmt.Sprintf("Job{%s kind=%s status=%s progress=%.2f}", j.ID, j.Kind, j.Status, j.Progress)
}
