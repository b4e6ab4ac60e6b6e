package metrics

import (
	"sync"
	"time"
)

// Job outcome labels used by the worker.
const (
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobRetried    = "retried"
	JobDeadLetter = "dead_letter"
	JobCanceled   = "canceled"
	JobRecovered  = "recovered"
	JobAwaiting   = "awaiting_approval"
	JobDuplicate  = "duplicate_suppressed"
)

// Collector receives pipeline measurements. It is injected at construction
// so a deployment can choose the in-process implementation or a shared
// backend without touching call sites.
type Collector interface {
	IncDecision(mode string)
	IncJob(outcome string)
	ObserveAttempt(d time.Duration)
	AddActiveAttempts(delta int)
}

// Nop discards all measurements.
type Nop struct{}

// NewNop returns a collector that does nothing.
func NewNop() Nop { return Nop{} }

func (Nop) IncDecision(string)             {}
func (Nop) IncJob(string)                  {}
func (Nop) ObserveAttempt(time.Duration)   {}
func (Nop) AddActiveAttempts(int)          {}

// InProcess is a mutex-guarded collector for single-process deployments and
// tests.
type InProcess struct {
	mu             sync.RWMutex
	decisions      map[string]int64
	jobOutcomes    map[string]int64
	attemptCount   int64
	attemptTotal   time.Duration
	activeAttempts int
}

// NewInProcess creates an empty in-process collector.
func NewInProcess() *InProcess {
	return &InProcess{
		decisions:   make(map[string]int64),
		jobOutcomes: make(map[string]int64),
	}
}

// IncDecision counts one finalized decision by mode.
func (c *InProcess) IncDecision(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[mode]++
}

// IncJob counts one job outcome.
func (c *InProcess) IncJob(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobOutcomes[outcome]++
}

// ObserveAttempt records one attempt's duration.
func (c *InProcess) ObserveAttempt(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attemptCount++
	c.attemptTotal += d
}

// AddActiveAttempts moves the in-flight attempt gauge.
func (c *InProcess) AddActiveAttempts(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeAttempts += delta
}

// Decisions returns the decision counter for a mode.
func (c *InProcess) Decisions(mode string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decisions[mode]
}

// Jobs returns the outcome counter.
func (c *InProcess) Jobs(outcome string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobOutcomes[outcome]
}

// ActiveAttempts returns the current in-flight gauge value.
func (c *InProcess) ActiveAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeAttempts
}
