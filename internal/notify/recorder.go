// internal/notify/recorder.go
package notify

import (
	"context"
	"sync"
)

// Recorder keeps every notification it receives. It serves both as a Sink
// and as a publisher that delivers synchronously.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Sink.
func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

// Publish records ns in order.
func (r *Recorder) Publish(ctx context.Context, ns ...Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ns...)
}

// All returns a copy of what was recorded so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Of returns the recorded notifications of one kind.
func (r *Recorder) Of(kind Kind) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}
