// Package eventbus publishes job lifecycle and concept-delta events over
// NATS, using a uniform envelope for job and consolidation output.
package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// EventType enumerates the events this system publishes.
type EventType string

const (
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobPaused       EventType = "job.paused"
	EventConceptDelta    EventType = "consolidation.concept_delta"
	EventStabilityAlert  EventType = "spectral.stability_alert"
)

// CanonicalEvent is the uniform envelope every publication uses, carrying
// a job/job-run correlation id and a free-form payload specific to Type.
type CanonicalEvent struct {
	EventID   string                 `json:"event_id"`
	Source    string                 `json:"source"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	JobID     string                 `json:"job_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEventID generates a compact unique event id with a date prefix.
func NewEventID(prefix string, t time.Time) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + t.UTC().Format("20060102") + "_" + hex.EncodeToString(b)
}

// MinimalValidate checks required envelope fields before publishing.
func (e *CanonicalEvent) MinimalValidate() bool {
	return e.EventID != "" && e.Source != "" && e.Type != "" && !e.Timestamp.IsZero()
}
