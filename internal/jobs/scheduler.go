package jobs

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"koopmem/internal/apperr"
	"koopmem/internal/consolidation"
	"koopmem/internal/vault"
)

// EpisodeSource supplies the episode batch a scheduled consolidation run
// should replay, decoupling the scheduler from the vault's query shape.
type EpisodeSource func() ([]*vault.Episode, error)

// Scheduler drives periodic consolidation via cron expressions, using
// named cron entries so a schedule can be replaced or removed by name.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // schedule name -> entry
	ctrl    *Controller
}

// NewScheduler creates a scheduler bound to a job controller.
func NewScheduler(ctrl *Controller) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
		ctrl:    ctrl,
	}
}

// Start begins executing registered schedules.
func (s *Scheduler) Start() {
	log.Printf("⏰ [JOB-SCHEDULER] starting consolidation scheduler")
	s.cron.Start()
}

// Stop halts the scheduler; in-flight jobs are not cancelled.
func (s *Scheduler) Stop() {
	log.Printf("⏰ [JOB-SCHEDULER] stopping consolidation scheduler")
	s.cron.Stop()
}

// ScheduleConsolidation registers a named cron schedule that starts a
// consolidation job against the episodes source() returns when it fires.
// Re-registering the same name replaces its prior schedule.
func (s *Scheduler) ScheduleConsolidation(name, cronExpr string, source EpisodeSource, params consolidation.ReplayParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	job := func() {
		episodes, err := source()
		if err != nil {
			log.Printf("⚠️ [JOB-SCHEDULER] schedule %q failed to load episodes: %v", name, err)
			return
		}
		if len(episodes) == 0 {
			log.Printf("⏰ [JOB-SCHEDULER] schedule %q has no episodes to replay, skipping", name)
			return
		}
		j, err := s.ctrl.StartConsolidation(episodes, params)
		if err != nil {
			log.Printf("❌ [JOB-SCHEDULER] schedule %q failed to start job: %v", name, err)
			return
		}
		log.Printf("✅ [JOB-SCHEDULER] schedule %q started job %s (%d episodes)", name, j.ID, len(episodes))
	}

	entryID, err := s.cron.AddFunc(cronExpr, job)
	if err != nil {
		return apperr.Invalid("invalid cron expression %q: %v", cronExpr, err)
	}
	s.entries[name] = entryID
	return nil
}

// Unschedule removes a named schedule.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// IsScheduled reports whether a named schedule is currently registered.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}
