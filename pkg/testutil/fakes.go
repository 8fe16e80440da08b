package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// FreshRecord returns a record that passes ingestion validation.
func FreshRecord(source string) models.Record {
	return models.Record{
		models.FieldTimestamp: time.Now().UnixMilli(),
		models.FieldSource:    source,
	}
}

// Step is one scripted fetch outcome.
type Step struct {
	Record models.Record
	Err    error
	// Delay is slept before returning, ignoring the context.
	Delay time.Duration
}

// ScriptedFetcher replays steps in order and repeats Fallback once they run
// out. It counts calls and is safe for concurrent use.
type ScriptedFetcher struct {
	mu       sync.Mutex
	steps    []Step
	Fallback Step
	calls    int
	closes   int
}

// NewScriptedFetcher builds a fetcher from steps.
func NewScriptedFetcher(fallback Step, steps ...Step) *ScriptedFetcher {
	return &ScriptedFetcher{steps: steps, Fallback: fallback}
}

// Fetch implements core.Fetcher.
func (f *ScriptedFetcher) Fetch(_ context.Context) (models.Record, error) {
	f.mu.Lock()
	f.calls++
	step := f.Fallback
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()

	if step.Delay > 0 {
		time.Sleep(step.Delay)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Record == nil {
		return nil, nil
	}
	return step.Record.Clone(), nil
}

// SetFallback replaces the outcome used once the script is exhausted.
func (f *ScriptedFetcher) SetFallback(s Step) {
	f.mu.Lock()
	f.Fallback = s
	f.mu.Unlock()
}

// Close records the call; the fetcher keeps working afterwards.
func (f *ScriptedFetcher) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

// Closes returns how many times Close ran.
func (f *ScriptedFetcher) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Calls returns how many times Fetch ran.
func (f *ScriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SignalRecorder is a core.Listener that keeps every signal it receives.
type SignalRecorder struct {
	mu      sync.Mutex
	signals []core.Signal
}

// OnSignal implements core.Listener.
func (r *SignalRecorder) OnSignal(s core.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

// Signals returns a copy of the received signals.
func (r *SignalRecorder) Signals() []core.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Kinds returns the received signal kinds in order.
func (r *SignalRecorder) Kinds() []core.SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.SignalKind, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.Kind
	}
	return out
}

// Count returns how many signals of kind were received.
func (r *SignalRecorder) Count(kind core.SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
