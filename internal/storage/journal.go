package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/carpool-lifecycle/internal/models"
)

// Transition is one committed state change of a ride engine.
type Transition struct {
	RideID models.ID `json:"ride_id"`
	Role   string    `json:"role"`
	Op     string    `json:"op"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// JournalStore defines persistence for the transition journal.
type JournalStore interface {
	Append(ctx context.Context, t Transition) error
	ListByRide(ctx context.Context, rideID models.ID) ([]Transition, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	byRide map[models.ID][]Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRide: make(map[models.ID][]Transition)}
}

func (m *MemoryStore) Append(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRide[t.RideID] = append(m.byRide[t.RideID], t)
	return nil
}

func (m *MemoryStore) ListByRide(ctx context.Context, rideID models.ID) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.byRide[rideID]...), nil
}
