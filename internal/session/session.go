// Package session implements the hybrid two-tier conversation memory:
// a fast volatile tier for the hot turn window and a durable tier with
// embedding similarity for long-term recall.
package session

import (
	"encoding/json"
	"time"
)

// Turn is one conversation entry. Immutable once written; sessions only
// ever append.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkingSet is the current search's candidate state, held opaquely so
// the store stays independent of the pipeline's types.
type WorkingSet = json.RawMessage
