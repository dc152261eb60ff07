// Package lifecycle tracks one carpool ride from the driver's or a
// passenger's point of view: request, acceptance, start, check-in/out and
// completion. The server is the source of truth; the engine holds a
// projection of it, applies confirmed command results locally and folds
// fetched snapshots back in through Reconcile.
//
// Mutating operations on one engine are serialised internally. Fetches may
// run alongside each other and alongside a command; every state change is
// applied to the latest state under a lock. A fetch that was issued before
// a command committed is merged as stale, so it cannot undo that command.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/location"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/observability"
	"github.com/example/carpool-lifecycle/internal/rideerr"
	"github.com/example/carpool-lifecycle/internal/storage"
)

// Backend is the carpool API as the engine uses it. *backend.Client
// implements it.
type Backend interface {
	GetRide(ctx context.Context, rideID models.ID) (models.Ride, error)
	GetRequestsForRide(ctx context.Context, rideID models.ID) ([]models.RideRequest, error)
	RespondToRequest(ctx context.Context, rideID models.ID, req models.RideRequest, decision string) (models.Ride, error)
	StartRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error)
	StartRideWithOTP(ctx context.Context, rideID, passengerID models.ID, otp string) (models.Ride, error)
	EndRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error)
	EndRideAsPassenger(ctx context.Context, rideID, passengerID models.ID) (models.Ride, error)
	CheckIn(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error)
	DropOff(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error)
	JoinRide(ctx context.Context, rideID, passengerID models.ID) error
	CancelRequest(ctx context.Context, rideID, passengerID models.ID) error
}

type Config struct {
	Role     Role
	RideID   models.ID
	Auth     auth.Context
	Backend  Backend
	Location location.Provider
	Sink     notify.Sink
	Journal  storage.JournalStore
	Logger   *slog.Logger

	// Initial seeds the engine with a ride the caller already holds,
	// e.g. the row tapped in a ride list.
	Initial *models.Ride

	Now func() time.Time
}

// State is a read-only copy of everything the engine knows. Ride.Passengers
// and Accepted are the same roster.
type State struct {
	Role          Role                      `json:"role"`
	Status        Status                    `json:"status"`
	Ride          models.Ride               `json:"ride"`
	Accepted      []models.PassengerJourney `json:"accepted_passengers"`
	Pending       []models.RideRequest      `json:"pending_requests"`
	CheckedIn     []models.PassengerJourney `json:"checked_in_passengers"`
	DroppedOff    []models.PassengerJourney `json:"dropped_off_passengers"`
	RequestStatus RequestStatus             `json:"request_status,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	Version       uint64                    `json:"version"`
}

// CanEndRide reports whether a driver may end the ride now.
func (s State) CanEndRide() bool {
	return s.Status == StatusInProgress && len(s.DroppedOff) == len(s.Accepted)
}

type rideState struct {
	status        Status
	ride          models.Ride
	journeys      *journeySet
	pending       []models.RideRequest
	requestStatus RequestStatus
	settled       map[models.ID]bool
}

func (s rideState) clone() rideState {
	s.ride = s.ride.Clone()
	s.journeys = s.journeys.clone()
	s.pending = append([]models.RideRequest(nil), s.pending...)
	settled := make(map[models.ID]bool, len(s.settled))
	for id := range s.settled {
		settled[id] = true
	}
	s.settled = settled
	return s
}

func (s *rideState) settle(requestID models.ID) {
	if s.settled == nil {
		s.settled = make(map[models.ID]bool)
	}
	s.settled[requestID] = true
}

type Engine struct {
	role    Role
	rideID  models.ID
	auth    auth.Context
	backend Backend
	loc     location.Provider
	sink    notify.Sink
	journal storage.JournalStore
	logger  *slog.Logger
	now     func() time.Time

	opMu sync.Mutex

	mu      sync.RWMutex
	st      rideState
	lastErr error
	version uint64

	// cmdVersion is the version written by the last successful command.
	cmdVersion uint64

	subs    map[int]func(State)
	nextSub int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Role != RoleDriver && cfg.Role != RolePassenger {
		return nil, fmt.Errorf("lifecycle: invalid role %d", cfg.Role)
	}
	if cfg.RideID == "" {
		return nil, errors.New("lifecycle: ride id is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("lifecycle: backend is required")
	}
	if cfg.Role == RolePassenger && cfg.Auth.PassengerID == "" {
		return nil, errors.New("lifecycle: passenger engine needs a passenger id")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		role:    cfg.Role,
		rideID:  cfg.RideID,
		auth:    cfg.Auth,
		backend: cfg.Backend,
		loc:     cfg.Location,
		sink:    cfg.Sink,
		journal: cfg.Journal,
		logger:  cfg.Logger.With("ride_id", cfg.RideID, "role", cfg.Role.String()),
		now:     cfg.Now,
		subs:    make(map[int]func(State)),
	}
	e.st = rideState{status: InitialStatus(cfg.Role), ride: models.Ride{ID: cfg.RideID}, journeys: newJourneySet(nil)}
	if cfg.Initial != nil {
		e.st = applyDelta(Reconcile(e.viewOf(e.st), Snapshot{Ride: cfg.Initial}), nil)
	}
	return e, nil
}

func (e *Engine) Role() Role { return e.role }
func (e *Engine) RideID() models.ID { return e.rideID }

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLocked()
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.status
}

// LastError is the error of the most recent failed operation, cleared by
// the next successful one.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Subscribe registers fn to receive every new State, including ones that
// only change LastError. fn runs on the goroutine that caused the change
// and must not call back into mutating engine methods.
func (e *Engine) Subscribe(fn func(State)) (cancel func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) stateLocked() State {
	st := State{
		Role:          e.role,
		Status:        e.st.status,
		Ride:          e.st.ride.Clone(),
		Accepted:      e.st.journeys.list(),
		Pending:       append([]models.RideRequest{}, e.st.pending...),
		CheckedIn:     e.st.journeys.checkedIn(),
		DroppedOff:    e.st.journeys.droppedOff(),
		RequestStatus: e.st.requestStatus,
		Version:       e.version,
	}
	st.Ride.Passengers = e.st.journeys.list()
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

func (e *Engine) subscribersLocked() []func(State) {
	out := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		out = append(out, fn)
	}
	return out
}

func (e *Engine) current() rideState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.clone()
}

func (e *Engine) viewOf(s rideState) View {
	return View{
		Role:          e.role,
		Viewer:        e.auth.PassengerID,
		Status:        s.status,
		Ride:          s.ride,
		Journeys:      s.journeys.list(),
		Pending:       s.pending,
		RequestStatus: s.requestStatus,
		Settled:       s.settled,
	}
}

func applyDelta(d StateDelta, settled map[models.ID]bool) rideState {
	return rideState{
		status:        d.To,
		ride:          d.Ride,
		journeys:      newJourneySet(d.Journeys),
		pending:       d.Pending,
		requestStatus: d.RequestStatus,
		settled:       settled,
	}
}

// commit applies mutate to a copy of the latest state and swaps it in.
func (e *Engine) commit(ctx context.Context, op string, mutate func(*rideState)) (from Status, st State) {
	e.mu.Lock()
	next := e.st.clone()
	mutate(&next)
	from = e.st.status
	e.st = next
	e.lastErr = nil
	e.version++
	if op != opReconcile {
		e.cmdVersion = e.version
	}
	st = e.stateLocked()
	subs := e.subscribersLocked()
	e.mu.Unlock()

	observability.OperationsTotal.WithLabelValues(op, "ok").Inc()
	if from != st.Status {
		e.recordTransition(ctx, op, from, st.Status)
	}
	for _, fn := range subs {
		fn(st)
	}
	return from, st
}

func (e *Engine) recordTransition(ctx context.Context, op string, from, to Status) {
	observability.TransitionsTotal.WithLabelValues(e.role.String(), from.String(), to.String()).Inc()
	e.logger.Info("ride transition", "op", op, "from", from.String(), "to", to.String())
	if e.journal == nil {
		return
	}
	t := storage.Transition{RideID: e.rideID, Role: e.role.String(), Op: op, From: from.String(), To: to.String(), At: e.now()}
	if err := e.journal.Append(ctx, t); err != nil {
		e.logger.Warn("journal append failed", "op", op, "error", err)
	}
}

// fail records err as LastError without touching ride state. Commands
// surface it through the sink; fetches only log it.
func (e *Engine) fail(ctx context.Context, op string, err error, surface bool) error {
	e.mu.Lock()
	e.lastErr = err
	e.version++
	st := e.stateLocked()
	subs := e.subscribersLocked()
	e.mu.Unlock()

	kind := rideerr.KindOf(err)
	label := "error"
	if kind != nil {
		label = kind.Error()
	}
	observability.OperationsTotal.WithLabelValues(op, label).Inc()
	e.logger.Warn("operation failed", "op", op, "error", err)
	if surface {
		e.sink.Notify(ctx, e.failureEvent(op, err))
	}
	for _, fn := range subs {
		fn(st)
	}
	return err
}

func (e *Engine) guard(op string, role Role) error {
	if role != 0 && e.role != role {
		return rideerr.Precondition(op, "%s is a %s operation", op, role)
	}
	if e.auth.Expired(e.now()) {
		return rideerr.Precondition(op, "session expired, sign in again")
	}
	return nil
}

func (e *Engine) locate(ctx context.Context, op string) (models.Coord, error) {
	if e.loc == nil {
		return models.Coord{}, rideerr.New(op, rideerr.ErrLocationUnavailable, "no location provider")
	}
	c, err := e.loc.CurrentCoordinates(ctx)
	if err != nil {
		if rideerr.KindOf(err) == nil {
			return models.Coord{}, rideerr.Wrap(op, rideerr.ErrLocationUnavailable, err)
		}
		return models.Coord{}, err
	}
	return c, nil
}

// FetchRideDetails refreshes the ride snapshot. For a passenger it also
// re-reads the ride's requests to find out whether the driver accepted.
// On failure the previous state is kept.
func (e *Engine) FetchRideDetails(ctx context.Context) (models.Ride, error) {
	const op = opFetchRide
	if err := e.guard(op, 0); err != nil {
		return models.Ride{}, e.fail(ctx, op, err, false)
	}
	issued := e.versionNow()
	ride, err := e.backend.GetRide(ctx, e.rideID)
	if err != nil {
		return models.Ride{}, e.fail(ctx, op, err, false)
	}
	snap := Snapshot{Ride: &ride}
	if e.role == RolePassenger {
		reqs, err := e.backend.GetRequestsForRide(ctx, e.rideID)
		if err != nil && !errors.Is(err, rideerr.ErrNotFound) {
			return models.Ride{}, e.fail(ctx, op, err, false)
		}
		snap.Requests, snap.RequestsFetched = reqs, true
	}
	st := e.apply(ctx, snap, issued)
	return st.Ride, nil
}

// FetchPendingRequests re-reads the ride's requests and returns those still
// pending. The backend's 400 for a ride without requests is an empty list.
func (e *Engine) FetchPendingRequests(ctx context.Context) ([]models.RideRequest, error) {
	const op = opFetchRequests
	if err := e.guard(op, 0); err != nil {
		return nil, e.fail(ctx, op, err, false)
	}
	issued := e.versionNow()
	reqs, err := e.backend.GetRequestsForRide(ctx, e.rideID)
	if err != nil && !errors.Is(err, rideerr.ErrNotFound) {
		return nil, e.fail(ctx, op, err, false)
	}
	st := e.apply(ctx, Snapshot{Requests: reqs, RequestsFetched: true}, issued)
	return st.Pending, nil
}

// Refresh runs FetchRideDetails and, for drivers, FetchPendingRequests.
func (e *Engine) Refresh(ctx context.Context) (State, error) {
	if _, err := e.FetchRideDetails(ctx); err != nil {
		return e.State(), err
	}
	if e.role == RoleDriver {
		if _, err := e.FetchPendingRequests(ctx); err != nil {
			return e.State(), err
		}
	}
	return e.State(), nil
}

// Apply folds a server snapshot into the engine through Reconcile. A
// transition found this way (e.g. the driver accepted a pending request)
// is surfaced like a command's. The snapshot is taken to be current; set
// snap.Stale for one read before the engine's last command.
func (e *Engine) Apply(ctx context.Context, snap Snapshot) State {
	return e.apply(ctx, snap, ^uint64(0))
}

func (e *Engine) versionNow() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// apply merges a snapshot whose fetch started at version issued. commit
// holds e.mu while mutate runs, so cmdVersion is read consistently.
func (e *Engine) apply(ctx context.Context, snap Snapshot, issued uint64) State {
	from, st := e.commit(ctx, opReconcile, func(s *rideState) {
		if e.cmdVersion > issued {
			snap.Stale = true
		}
		*s = applyDelta(Reconcile(e.viewOf(*s), snap), s.settled)
	})
	if from != st.Status {
		ev := notify.NewEvent(opReconcile, e.rideID, e.role.String(), notify.FeedbackSuccess, "Ride Updated", reconcileMessage(e.role, st.Status))
		ev.From, ev.To = from.String(), st.Status.String()
		e.sink.Notify(ctx, ev)
	}
	return st
}

func (e *Engine) AcceptRequest(ctx context.Context, req models.RideRequest) error {
	const op = opAcceptRequest
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RoleDriver); err != nil {
		return e.fail(ctx, op, err, true)
	}
	cur := e.current()
	held, ok := findRequest(cur.pending, req.ID)
	if !ok {
		return e.fail(ctx, op, rideerr.Precondition(op, "request %s is not pending", req.ID), true)
	}
	if cur.status == StatusCompleted {
		return e.fail(ctx, op, rideerr.Precondition(op, "ride is already completed"), true)
	}
	if c := cur.ride.SeatCapacity(); c > 0 && cur.journeys.len() >= c {
		return e.fail(ctx, op, rideerr.Precondition(op, "all %d seats are taken", c), true)
	}

	ride, err := e.backend.RespondToRequest(ctx, e.rideID, held, models.RequestAccepted)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.pending = withoutRequest(s.pending, held.ID)
		s.settle(held.ID)
		if len(ride.Passengers) > 0 {
			s.journeys = newJourneySet(mergeJourneys(s.journeys.list(), ride.Passengers, false))
		}
		if _, listed := s.journeys.byPassenger(held.PassengerID); !listed {
			s.journeys.put(journeyFromRequest(held))
		}
		if s.status.rank(RoleDriver) < StatusReadyToStart.rank(RoleDriver) {
			s.status = StatusReadyToStart
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

func (e *Engine) RejectRequest(ctx context.Context, req models.RideRequest) error {
	const op = opRejectRequest
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RoleDriver); err != nil {
		return e.fail(ctx, op, err, true)
	}
	held, ok := findRequest(e.current().pending, req.ID)
	if !ok {
		return e.fail(ctx, op, rideerr.Precondition(op, "request %s is not pending", req.ID), true)
	}
	if _, err := e.backend.RespondToRequest(ctx, e.rideID, held, models.RequestRejected); err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.pending = withoutRequest(s.pending, held.ID)
		s.settle(held.ID)
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// StartRide is the driver's start. It needs the device location; without
// permission it fails before the backend is called.
func (e *Engine) StartRide(ctx context.Context) error {
	const op = opStartRide
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RoleDriver); err != nil {
		return e.fail(ctx, op, err, true)
	}
	switch e.Status() {
	case StatusReadyToStart:
	case StatusInProgress, StatusCompleted:
		return e.fail(ctx, op, rideerr.Precondition(op, "ride has already started"), true)
	default:
		return e.fail(ctx, op, rideerr.Precondition(op, "accept at least one request before starting"), true)
	}
	at, err := e.locate(ctx, op)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	ride, err := e.backend.StartRide(ctx, e.rideID, at)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if s, _ := StatusFromServer(RoleDriver, ride.Status); s != StatusInProgress {
		return e.fail(ctx, op, rideerr.New(op, rideerr.ErrBackendRejected, fmt.Sprintf("ride start not confirmed (status %q)", ride.Status)), true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusInProgress
		s.ride.Status = ride.Status
		s.ride.RideStartTime = ride.RideStartTime
		if s.ride.RideStartTime.IsZero() {
			s.ride.RideStartTime = models.At(e.now())
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// StartRideWithOTP is the passenger's start; the OTP is checked by the
// backend only.
func (e *Engine) StartRideWithOTP(ctx context.Context, otp string) error {
	const op = opStartRideOTP
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RolePassenger); err != nil {
		return e.fail(ctx, op, err, true)
	}
	if s := e.Status(); s != StatusAccepted {
		return e.fail(ctx, op, rideerr.Precondition(op, "ride can only be started once the request is accepted (now %s)", s), true)
	}
	ride, err := e.backend.StartRideWithOTP(ctx, e.rideID, e.auth.PassengerID, otp)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusInProgress
		if !ride.RideStartTime.IsZero() {
			s.ride.RideStartTime = ride.RideStartTime
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// EndRide completes the ride. A driver may only end it once every accepted
// passenger has been dropped off; that is checked before any network call.
func (e *Engine) EndRide(ctx context.Context) error {
	if e.role == RolePassenger {
		return e.endRideAsPassenger(ctx)
	}
	const op = opEndRide
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RoleDriver); err != nil {
		return e.fail(ctx, op, err, true)
	}
	cur := e.current()
	if cur.status != StatusInProgress {
		return e.fail(ctx, op, rideerr.Precondition(op, "ride is not in progress (now %s)", cur.status), true)
	}
	if accepted, dropped := cur.journeys.len(), len(cur.journeys.droppedOff()); dropped != accepted {
		return e.fail(ctx, op, rideerr.Precondition(op, "%d of %d passengers dropped off", dropped, accepted), true)
	}
	at, err := e.locate(ctx, op)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	ride, err := e.backend.EndRide(ctx, e.rideID, at)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if s, _ := StatusFromServer(RoleDriver, ride.Status); s != StatusCompleted {
		return e.fail(ctx, op, rideerr.New(op, rideerr.ErrBackendRejected, fmt.Sprintf("ride end not confirmed (status %q)", ride.Status)), true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusCompleted
		s.ride.Status = ride.Status
		s.ride.RideEndTime = ride.RideEndTime
		if s.ride.RideEndTime.IsZero() {
			s.ride.RideEndTime = models.At(e.now())
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

func (e *Engine) endRideAsPassenger(ctx context.Context) error {
	const op = opEndRidePassenger
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RolePassenger); err != nil {
		return e.fail(ctx, op, err, true)
	}
	ride, err := e.backend.EndRideAsPassenger(ctx, e.rideID, e.auth.PassengerID)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusCompleted
		if !ride.RideEndTime.IsZero() {
			s.ride.RideEndTime = ride.RideEndTime
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// CheckIn marks a passenger as picked up.
func (e *Engine) CheckIn(ctx context.Context, journeyID models.ID) error {
	const op = opCheckIn
	e.opMu.Lock()
	defer e.opMu.Unlock()

	j, err := e.journeyFor(op, journeyID)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if j.CheckinStatus {
		return e.fail(ctx, op, rideerr.Precondition(op, "%s is already checked in", j.DisplayName()), true)
	}
	at, err := e.locate(ctx, op)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	conf, err := e.backend.CheckIn(ctx, e.rideID, journeyID, at)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if conf != models.CheckInConfirmed {
		return e.fail(ctx, op, rideerr.New(op, rideerr.ErrBackendRejected, conf), true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		if p, ok := s.journeys.get(journeyID); ok {
			p.CheckinStatus = true
			s.journeys.put(p)
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// DropOff marks a checked-in passenger as delivered.
func (e *Engine) DropOff(ctx context.Context, journeyID models.ID) error {
	const op = opDropOff
	e.opMu.Lock()
	defer e.opMu.Unlock()

	j, err := e.journeyFor(op, journeyID)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if !j.CheckinStatus {
		return e.fail(ctx, op, rideerr.Precondition(op, "%s has not been checked in", j.DisplayName()), true)
	}
	if j.CheckoutStatus {
		return e.fail(ctx, op, rideerr.Precondition(op, "%s is already dropped off", j.DisplayName()), true)
	}
	at, err := e.locate(ctx, op)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	conf, err := e.backend.DropOff(ctx, e.rideID, journeyID, at)
	if err != nil {
		return e.fail(ctx, op, err, true)
	}
	if conf != models.DropOffConfirmed {
		return e.fail(ctx, op, rideerr.New(op, rideerr.ErrBackendRejected, conf), true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		if p, ok := s.journeys.get(journeyID); ok {
			p.CheckoutStatus = true
			s.journeys.put(p)
		}
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

func (e *Engine) journeyFor(op string, journeyID models.ID) (models.PassengerJourney, error) {
	if err := e.guard(op, RoleDriver); err != nil {
		return models.PassengerJourney{}, err
	}
	cur := e.current()
	if cur.status != StatusInProgress {
		return models.PassengerJourney{}, rideerr.Precondition(op, "ride is not in progress (now %s)", cur.status)
	}
	j, ok := cur.journeys.get(journeyID)
	if !ok {
		return models.PassengerJourney{}, rideerr.Precondition(op, "no accepted passenger with journey %s", journeyID)
	}
	if j.Provisional {
		return models.PassengerJourney{}, rideerr.Precondition(op, "journey for %s is not confirmed yet, refresh the ride", j.DisplayName())
	}
	return j, nil
}

// JoinRide sends the passenger's request to join.
func (e *Engine) JoinRide(ctx context.Context) error {
	const op = opJoinRide
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RolePassenger); err != nil {
		return e.fail(ctx, op, err, true)
	}
	if s := e.Status(); s != StatusNotJoined {
		return e.fail(ctx, op, rideerr.Precondition(op, "already joined (now %s)", s), true)
	}
	if err := e.backend.JoinRide(ctx, e.rideID, e.auth.PassengerID); err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusPending
		s.requestStatus = RequestPending
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

// CancelRequest withdraws a pending join request.
func (e *Engine) CancelRequest(ctx context.Context) error {
	const op = opCancelRequest
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.guard(op, RolePassenger); err != nil {
		return e.fail(ctx, op, err, true)
	}
	if s := e.Status(); s != StatusPending {
		return e.fail(ctx, op, rideerr.Precondition(op, "no pending request to cancel (now %s)", s), true)
	}
	if err := e.backend.CancelRequest(ctx, e.rideID, e.auth.PassengerID); err != nil {
		return e.fail(ctx, op, err, true)
	}
	from, st := e.commit(ctx, op, func(s *rideState) {
		s.status = StatusNotJoined
		s.requestStatus = RequestUnknown
	})
	e.succeed(ctx, op, from, st.Status)
	return nil
}

func findRequest(reqs []models.RideRequest, id models.ID) (models.RideRequest, bool) {
	for _, r := range reqs {
		if r.ID == id {
			return r, true
		}
	}
	return models.RideRequest{}, false
}

func withoutRequest(reqs []models.RideRequest, id models.ID) []models.RideRequest {
	out := make([]models.RideRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
