// Package jobs implements the Job Controller:
// a state machine over asynchronous consolidation and spectral-fit jobs,
// with cooperative cancellation, cron scheduling, a Redis status mirror
// and NATS lifecycle publication.
package jobs

import (
	"fmt"
	"time"

	"koopmem/internal/apperr"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusPaused    Status = "PAUSED"
)

// validTransitions encodes the state machine: PAUSED is the only state
// that can return to RUNNING, every other transition is one-way
//.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusRunning: true, StatusCancelled: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusPaused: true},
	StatusPaused:    {StatusRunning: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func (s Status) canTransitionTo(next Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind distinguishes the kind of work a job performs.
type Kind string

const (
	KindConsolidation Kind = "consolidation"
	KindDMDProcessing Kind = "dmd_processing"
)

// Job is the Job Controller's unit of work tracking.
type Job struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Status     Status                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Progress   float64                `json:"progress"` // 0..1
	Error      string                 `json:"error,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
}

func (j *Job) transition(next Status) error {
	if !j.Status.canTransitionTo(next) {
		return apperr.New(apperr.Conflict, fmt.Sprintf("illegal job transition %s -> %s", j.Status, next))
	}
	j.Status = next
	now := time.Now().UTC()
	switch next {
	case StatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.FinishedAt = &now
	}
	return nil
}

// clone returns a defensive copy suitable for returning to callers outside
// the controller's lock.
func (j *Job) clone() *Job {
	cp := *j
	if j.Params != nil {
		cp.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
