// Package state persists the training cycle counters read by the trigger
// evaluator and written after every completed cycle.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the persisted training cycle state. Nil pointers and the zero time
// mean "never recorded".
type State struct {
	LastTrainTradeCount *int64    `json:"last_train_trade_count"`
	LastTrainTime       time.Time `json:"last_train_time"`
	LastKnownAccuracy   *float64  `json:"last_known_accuracy"`
}

// HasTrained reports whether a training cycle has completed before.
func (s State) HasTrained() bool {
	return !s.LastTrainTime.IsZero()
}

// Validate checks the field ranges.
func (s State) Validate() error {
	if s.LastTrainTradeCount != nil && *s.LastTrainTradeCount < 0 {
		return fmt.Errorf("last_train_trade_count must be >= 0, got %d", *s.LastTrainTradeCount)
	}
	if s.LastKnownAccuracy != nil && (*s.LastKnownAccuracy < 0 || *s.LastKnownAccuracy > 1) {
		return fmt.Errorf("last_known_accuracy must be in [0, 1], got %v", *s.LastKnownAccuracy)
	}
	return nil
}

// Store reads and writes the training cycle state. Set replaces the whole
// state atomically.
type Store interface {
	Get(ctx context.Context) (State, error)
	Set(ctx context.Context, s State) error
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// MemoryStore keeps the state in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore returns a store holding initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: clone(initial)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.state), nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, s State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = clone(s)
	return nil
}

func clone(s State) State {
	out := State{LastTrainTime: s.LastTrainTime}
	if s.LastTrainTradeCount != nil {
		out.LastTrainTradeCount = Int64(*s.LastTrainTradeCount)
	}
	if s.LastKnownAccuracy != nil {
		out.LastKnownAccuracy = Float64(*s.LastKnownAccuracy)
	}
	return out
}

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("state store closed")
