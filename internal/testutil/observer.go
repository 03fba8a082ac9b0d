package testutil

import (
	"fmt"
	"sync"
	"time"

	"snapbridge/internal/bridge"
)

// RecordingObserver keeps every measurement it receives.
type RecordingObserver struct {
	mu          sync.Mutex
	transitions []string
	jobs        []string
	sweeps      []string
}

var _ bridge.Observer = (*RecordingObserver)(nil)

func (o *RecordingObserver) Transition(entity, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s:%s->%s", entity, from, to))
}

func (o *RecordingObserver) JobSubmitted(kind bridge.JobKind, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, fmt.Sprintf("%s:%v", kind, err == nil))
}

func (o *RecordingObserver) NotificationSent(string, error) {}

func (o *RecordingObserver) SweepCompleted(sweep string, processed, failed int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps = append(o.sweeps, fmt.Sprintf("%s:%d/%d", sweep, processed, failed))
}

// Transitions returns "entity:FROM->TO" for each transition seen.
func (o *RecordingObserver) Transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

// Jobs returns "kind:ok" for each submission seen.
func (o *RecordingObserver) Jobs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.jobs...)
}

// Sweeps returns "sweep:processed/failed" for each sweep seen.
func (o *RecordingObserver) Sweeps() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sweeps...)
}
