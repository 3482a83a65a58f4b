package driver

import (
	"sync"
	"time"
)

// Recorder decides which extracted values are reported. Update returns
// true when the value should be emitted.
type Recorder interface {
	Update(variableID, value string, ts time.Time) bool
}

// ChangeRecorder emits a value only when it differs from the last one
// recorded for the variable.
type ChangeRecorder struct {
	mu   sync.Mutex
	last map[string]string
}

// NewChangeRecorder creates an empty ChangeRecorder.
func NewChangeRecorder() *ChangeRecorder {
	return &ChangeRecorder{last: make(map[string]string)}
}

// Update implements Recorder.
func (r *ChangeRecorder) Update(variableID, value string, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.last[variableID]
	r.last[variableID] = value
	return !seen || prev != value
}
