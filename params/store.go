// params/store.go
package params

import (
	"sync"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/types"
	"github.com/AsherValentini/MiLO-Middleware/x/mathx"
)

// Change describes one accepted parameter write.
type Change struct {
	Key      types.Parameter
	Old, New float64
}

// Observer receives accepted changes on the setting goroutine, in
// registration order, after the store lock is released. Observers must
// not block; the 1 ms budget is a contract, not enforced.
type Observer func(Change)

// Store maps each Parameter to a validated float value. A single mutex
// guards the table; values are never yielded outside their bounds.
type Store struct {
	mu        sync.Mutex
	values    [types.ParameterCount]float64
	observers []Observer
}

// New builds a store populated with the per-key defaults.
func New() *Store {
	s := &Store{}
	for _, p := range types.Parameters() {
		s.values[p] = types.Bounds(p).Default
	}
	return s
}

// Get returns the current value for key p.
func (s *Store) Get(p types.Parameter) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[p]
}

// Set validates v against the key's bounds and stores it. A same-value
// write is accepted but emits no notification. Never logs: callers own
// surfacing the OutOfRange error.
func (s *Store) Set(p types.Parameter, v float64) (Change, error) {
	b := types.Bounds(p)
	if !mathx.Between(v, b.Min, b.Max) {
		return Change{}, &errcode.E{C: errcode.OutOfRange, Op: "params.set", Msg: p.String()}
	}

	s.mu.Lock()
	old := s.values[p]
	if old == v {
		s.mu.Unlock()
		return Change{Key: p, Old: old, New: v}, nil
	}
	s.values[p] = v
	obs := s.observers
	s.mu.Unlock()

	ch := Change{Key: p, Old: old, New: v}
	for _, o := range obs {
		o(ch)
	}
	return ch, nil
}

// Subscribe registers an observer for future accepted changes.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	// Copy-on-write so Set can read the slice outside the lock.
	obs := make([]Observer, len(s.observers), len(s.observers)+1)
	copy(obs, s.observers)
	s.observers = append(obs, o)
	s.mu.Unlock()
}

// Snapshot is a frozen copy of all values, consistent across reads.
type Snapshot struct {
	values [types.ParameterCount]float64
}

// Get returns the frozen value for key p.
func (s Snapshot) Get(p types.Parameter) float64 { return s.values[p] }

// Snapshot copies all values under one lock acquisition.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{values: s.values}
}
