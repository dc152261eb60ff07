package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/lifecycle"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/observability"
)

// EngineFactory builds the engine for one viewer of one ride. initial is
// the ride as a list endpoint returned it, or nil.
type EngineFactory func(role lifecycle.Role, rideID models.ID, ac auth.Context, initial *models.Ride) (*lifecycle.Engine, error)

type sessionKey struct {
	role   lifecycle.Role
	rideID models.ID
	viewer models.ID
}

func (k sessionKey) topic() string {
	return fmt.Sprintf("%s:%s:%s", k.role, k.rideID, k.viewer)
}

type session struct {
	engine   *lifecycle.Engine
	token    string
	unsub    func()
	lastUsed time.Time
}

// Sessions keeps one engine per (role, ride, viewer) so concurrent app
// requests for the same screen share state and serialisation. Every state
// change is pushed to the session's websocket topic.
type Sessions struct {
	mu     sync.Mutex
	byKey  map[sessionKey]*session
	build  EngineFactory
	hub    *notify.Hub
	logger *slog.Logger
	now    func() time.Time

	// IdleTTL drops sessions nobody used or watched for that long.
	// CompletedTTL drops finished rides, watched or not. Zero disables.
	IdleTTL      time.Duration
	CompletedTTL time.Duration
}

func NewSessions(build EngineFactory, hub *notify.Hub, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{byKey: make(map[sessionKey]*session), build: build, hub: hub, logger: logger, now: time.Now}
}

func viewerOf(role lifecycle.Role, ac auth.Context) models.ID {
	if role == lifecycle.RolePassenger {
		return ac.PassengerID
	}
	switch {
	case ac.DriverID != "":
		return ac.DriverID
	case ac.UserID != "":
		return ac.UserID
	}
	return models.ID(ac.Username)
}

// Get returns the session engine, creating it on first use. A new token for
// the same viewer replaces the engine so backend calls carry fresh auth.
func (s *Sessions) Get(role lifecycle.Role, rideID models.ID, ac auth.Context) (*lifecycle.Engine, string, error) {
	return s.get(role, rideID, ac, nil)
}

// Seed makes sure a session exists for a ride the caller just listed,
// building its engine from that row. An existing session keeps its own,
// fresher state.
func (s *Sessions) Seed(role lifecycle.Role, ride models.Ride, ac auth.Context) (*lifecycle.Engine, error) {
	e, _, err := s.get(role, ride.ID, ac, &ride)
	return e, err
}

func (s *Sessions) get(role lifecycle.Role, rideID models.ID, ac auth.Context, initial *models.Ride) (*lifecycle.Engine, string, error) {
	key := sessionKey{role: role, rideID: rideID, viewer: viewerOf(role, ac)}
	topic := key.topic()
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.byKey[key]; ok {
		if cur.token == ac.Token {
			cur.lastUsed = s.now()
			return cur.engine, topic, nil
		}
		s.dropLocked(key, cur)
	}

	e, err := s.build(role, rideID, ac, initial)
	if err != nil {
		return nil, "", err
	}
	unsub := e.Subscribe(func(st lifecycle.State) { s.hub.Publish(topic, st) })
	s.byKey[key] = &session{engine: e, token: ac.Token, unsub: unsub, lastUsed: s.now()}
	observability.ActiveSessions.Inc()
	return e, topic, nil
}

func (s *Sessions) dropLocked(key sessionKey, cur *session) {
	cur.unsub()
	delete(s.byKey, key)
	observability.ActiveSessions.Dec()
}

// Sweep drops expired sessions and returns how many went. Watchers of a
// completed ride are disconnected; an idle session with watchers is kept.
func (s *Sessions) Sweep() int {
	now := s.now()
	var finished []string
	s.mu.Lock()
	n := 0
	for key, cur := range s.byKey {
		idle := now.Sub(cur.lastUsed)
		switch {
		case s.CompletedTTL > 0 && idle >= s.CompletedTTL && cur.engine.Status() == lifecycle.StatusCompleted:
			finished = append(finished, key.topic())
		case s.IdleTTL > 0 && idle >= s.IdleTTL && s.hub.Subscribers(key.topic()) == 0:
		default:
			continue
		}
		s.dropLocked(key, cur)
		n++
	}
	s.mu.Unlock()
	for _, topic := range finished {
		s.hub.CloseTopic(topic)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("ride sessions evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}
