// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/notify"
)

// ErrInjected is the error returned by tripped faults.
var ErrInjected = errors.New("injected fault")

// Switch fails a fraction of calls. The zero rate never fails.
type Switch struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewSwitch creates a Switch that never fails until Set is called.
func NewSwitch(seed uint64) *Switch {
	return &Switch{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Set changes the failure rate, clamped to [0, 1].
func (s *Switch) Set(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = min(max(rate, 0), 1)
}

func (s *Switch) trip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate > 0 && s.rng.Float64() < s.rate
}

// FaultyStore aborts units of work after their body ran, just before
// commit, so every staged write has to be discarded.
type FaultyStore struct {
	circulation.Store
	Faults *Switch
}

func (f FaultyStore) Atomically(ctx context.Context, fn func(tx circulation.Tx) error) error {
	return f.Store.Atomically(ctx, func(tx circulation.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if f.Faults.trip() {
			return ErrInjected
		}
		return nil
	})
}

// FaultySink drops deliveries.
type FaultySink struct {
	notify.Sink
	Faults *Switch
}

func (f FaultySink) Notify(ctx context.Context, n notify.Notification) error {
	if f.Faults.trip() {
		return ErrInjected
	}
	return f.Sink.Notify(ctx, n)
}
