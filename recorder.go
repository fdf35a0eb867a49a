package creditgate

import (
	"context"
	"sync"
)

// Recorder collects the accounting outcome of one request while it runs.
// The handler writes it; the gate's finalizer reads it. A nil Recorder
// discards writes.
type Recorder struct {
	mu      sync.Mutex
	outcome Outcome
	set     bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record replaces the recorded outcome.
func (r *Recorder) Record(o Outcome) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = o
	r.set = true
}

// Outcome returns the last recorded outcome and whether one was recorded.
func (r *Recorder) Outcome() (Outcome, bool) {
	if r == nil {
		return Outcome{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.set
}

type recorderKey struct{}

// WithRecorder returns a context carrying r.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the Recorder carried by ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}
