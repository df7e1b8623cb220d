package vault

import (
	"time"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
)

// SourceDescriptor identifies where an episode came from.
type SourceDescriptor struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	UserID string                 `json:"user_id,omitempty"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// Episode is the vault's unit of storage. It is immutable except for
// RefCount.
type Episode struct {
	ID         string                         `json:"id"`
	CreatedAt  time.Time                      `json:"created_at"`
	RefCount   int                            `json:"ref_count"`
	Tags       []string                       `json:"tags,omitempty"`
	Source     SourceDescriptor               `json:"source"`
	Energy     float64                        `json:"energy"`
	Activation *activation.ConceptActivation  `json:"activation"`
	Metadata   map[string]interface{}         `json:"metadata,omitempty"`
}

// Validate checks the invariants, short
// of assigning an id (the vault does that on Put when empty).
func (e *Episode) Validate() error {
	if e.RefCount < 0 {
		return apperr.Invalid("ref_count must be >= 0, got %d", e.RefCount)
	}
	if e.Energy < 0 {
		return apperr.Invalid("energy must be >= 0, got %f", e.Energy)
	}
	if e.Activation == nil {
		return apperr.Invalid("episode must carry exactly one ConceptActivation")
	}
	if err := e.Activation.Canonicalize(); err != nil {
		return apperr.Wrap(apperr.InvalidInput, "invalid activation", err)
	}
	return nil
}

// Age returns how long ago the episode was created relative to now.
func (e *Episode) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

func (e *Episode) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
