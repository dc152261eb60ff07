package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/backend"
	"github.com/example/carpool-lifecycle/internal/location"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/rideerr"
	"github.com/example/carpool-lifecycle/internal/storage"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int

	ride     models.Ride
	requests []models.RideRequest
	reqErr   error
	rideErr  error

	respondRide models.Ride
	respondErr  error
	startRide   models.Ride
	startErr    error
	otpErr      error
	endRide     models.Ride
	endErr      error
	passEndErr  error
	checkIn     string
	dropOff     string
	dropOffErr  error
	joinErr     error
	cancelErr   error

	// afterRead runs once the fake has copied its data, before returning.
	afterRead func(method string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:     make(map[string]int),
		startRide: models.Ride{Status: models.RideOngoing, RideStartTime: models.At(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))},
		endRide:   models.Ride{Status: models.RideCompleted, RideEndTime: models.At(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))},
		checkIn:   models.CheckInConfirmed,
		dropOff:   models.DropOffConfirmed,
	}
}

func (f *fakeBackend) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeBackend) GetRide(ctx context.Context, rideID models.ID) (models.Ride, error) {
	f.hit("GetRide")
	f.mu.Lock()
	ride, err, hook := f.ride.Clone(), f.rideErr, f.afterRead
	f.mu.Unlock()
	if hook != nil {
		hook("GetRide")
	}
	return ride, err
}

func (f *fakeBackend) GetRequestsForRide(ctx context.Context, rideID models.ID) ([]models.RideRequest, error) {
	f.hit("GetRequestsForRide")
	f.mu.Lock()
	reqs, err, hook := append([]models.RideRequest(nil), f.requests...), f.reqErr, f.afterRead
	f.mu.Unlock()
	if hook != nil {
		hook("GetRequestsForRide")
	}
	return reqs, err
}

func (f *fakeBackend) RespondToRequest(ctx context.Context, rideID models.ID, req models.RideRequest, decision string) (models.Ride, error) {
	f.hit("RespondToRequest:" + decision)
	return f.respondRide, f.respondErr
}

func (f *fakeBackend) StartRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error) {
	f.hit("StartRide")
	return f.startRide, f.startErr
}

func (f *fakeBackend) StartRideWithOTP(ctx context.Context, rideID, passengerID models.ID, otp string) (models.Ride, error) {
	f.hit("StartRideWithOTP")
	return models.Ride{}, f.otpErr
}

func (f *fakeBackend) EndRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error) {
	f.hit("EndRide")
	return f.endRide, f.endErr
}

func (f *fakeBackend) EndRideAsPassenger(ctx context.Context, rideID, passengerID models.ID) (models.Ride, error) {
	f.hit("EndRideAsPassenger")
	return models.Ride{}, f.passEndErr
}

func (f *fakeBackend) CheckIn(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error) {
	f.hit("CheckIn")
	return f.checkIn, nil
}

func (f *fakeBackend) DropOff(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error) {
	f.hit("DropOff")
	return f.dropOff, f.dropOffErr
}

func (f *fakeBackend) JoinRide(ctx context.Context, rideID, passengerID models.ID) error {
	f.hit("JoinRide")
	return f.joinErr
}

func (f *fakeBackend) CancelRequest(ctx context.Context, rideID, passengerID models.ID) error {
	f.hit("CancelRequest")
	return f.cancelErr
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(ctx context.Context, e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}
	}
	return r.events[len(r.events)-1]
}

var here = location.Static{Coord: models.Coord{Lat: 12.97, Lon: 77.59}}

func pendingRequest(id, passenger models.ID) models.RideRequest {
	return models.RideRequest{ID: id, PassengerID: passenger, PassengerName: "Asha Rao", Status: models.RequestPending, StartLocation: "MG Road", EndLocation: "Whitefield"}
}

func newDriver(t *testing.T, fb *fakeBackend, loc location.Provider) (*Engine, *recordingSink, *storage.MemoryStore) {
	t.Helper()
	sink := &recordingSink{}
	journal := storage.NewMemoryStore()
	e, err := New(Config{Role: RoleDriver, RideID: "r1", Auth: auth.Context{Token: "tok"}, Backend: fb, Location: loc, Sink: sink, Journal: journal})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, sink, journal
}

func newPassenger(t *testing.T, fb *fakeBackend) (*Engine, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	e, err := New(Config{Role: RolePassenger, RideID: "r1", Auth: auth.Context{Token: "tok", PassengerID: "p1"}, Backend: fb, Location: here, Sink: sink})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, sink
}

// inProgressDriver returns a driver engine with one accepted, backend-confirmed
// passenger and the ride in progress.
func inProgressDriver(t *testing.T, fb *fakeBackend) *Engine {
	t.Helper()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled, Capacity: 3, Passengers: []models.PassengerJourney{
		{PassengerJourneyID: "j1", PassengerID: "p1", FirstName: "Asha", LastName: "Rao"},
	}}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := e.StartRide(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func sameRideState(a, b State) bool {
	return a.Status == b.Status &&
		reflect.DeepEqual(a.Ride, b.Ride) &&
		reflect.DeepEqual(a.Accepted, b.Accepted) &&
		reflect.DeepEqual(a.Pending, b.Pending) &&
		reflect.DeepEqual(a.CheckedIn, b.CheckedIn) &&
		reflect.DeepEqual(a.DroppedOff, b.DroppedOff) &&
		a.RequestStatus == b.RequestStatus
}

func TestNewValidatesConfig(t *testing.T) {
	fb := newFakeBackend()
	cases := []Config{
		{RideID: "r1", Backend: fb},
		{Role: RoleDriver, Backend: fb},
		{Role: RoleDriver, RideID: "r1"},
		{Role: RolePassenger, RideID: "r1", Backend: fb},
	}
	for i, c := range cases {
		if _, err := New(c); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNewSeedsFromInitialRide(t *testing.T) {
	fb := newFakeBackend()
	e, err := New(Config{Role: RoleDriver, RideID: "r1", Backend: fb, Initial: &models.Ride{ID: "r1", Status: models.RideOngoing}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("expected InProgress, got %s", e.Status())
	}
	if fb.total() != 0 {
		t.Fatalf("seeding must not call the backend")
	}
}

func TestDriverHappyPath(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled, Capacity: 2}
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, sink, journal := newDriver(t, fb, here)
	ctx := context.Background()

	if e.Status() != StatusWaitingForRequests {
		t.Fatalf("unexpected initial status %s", e.Status())
	}
	if _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if e.Status() != StatusReceivingRequests {
		t.Fatalf("expected ReceivingRequests, got %s", e.Status())
	}

	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	st := e.State()
	if st.Status != StatusReadyToStart || len(st.Pending) != 0 || len(st.Accepted) != 1 {
		t.Fatalf("unexpected state after accept %+v", st)
	}
	if !st.Accepted[0].Provisional || st.Accepted[0].DisplayName() != "Asha Rao" {
		t.Fatalf("expected provisional journey, got %+v", st.Accepted[0])
	}
	if ev := sink.last(); ev.Message != "Request accepted successfully" || ev.Feedback != notify.FeedbackSuccess {
		t.Fatalf("unexpected event %+v", ev)
	}

	// The backend now lists the journey; the provisional entry gives way.
	fb.ride.Passengers = []models.PassengerJourney{{PassengerJourneyID: "j1", PassengerID: "p1", FirstName: "Asha", LastName: "Rao"}}
	fb.requests = nil
	if _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st = e.State()
	if len(st.Accepted) != 1 || st.Accepted[0].PassengerJourneyID != "j1" || st.Status != StatusReadyToStart {
		t.Fatalf("unexpected roster %+v status %s", st.Accepted, st.Status)
	}

	if err := e.StartRide(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.Status() != StatusInProgress || e.State().Ride.RideStartTime.IsZero() {
		t.Fatalf("expected InProgress with start time")
	}

	if err := e.CheckIn(ctx, "j1"); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if got := len(e.State().CheckedIn); got != 1 {
		t.Fatalf("expected 1 checked in, got %d", got)
	}
	if e.State().CanEndRide() {
		t.Fatalf("ride must not be endable before drop-off")
	}
	if err := e.DropOff(ctx, "j1"); err != nil {
		t.Fatalf("drop off: %v", err)
	}
	st = e.State()
	if len(st.CheckedIn) != 0 || len(st.DroppedOff) != 1 || !st.CanEndRide() {
		t.Fatalf("unexpected lists after drop-off %+v", st)
	}

	if err := e.EndRide(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	st = e.State()
	if st.Status != StatusCompleted || st.Ride.Duration() != time.Hour {
		t.Fatalf("unexpected final state %s duration %v", st.Status, st.Ride.Duration())
	}

	ts, _ := journal.ListByRide(ctx, "r1")
	want := []string{"ReceivingRequests", "ReadyToStart", "InProgress", "Completed"}
	if len(ts) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), ts)
	}
	for i, tr := range ts {
		if tr.To != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}

func TestAcceptFailureLeavesStateUnchanged(t *testing.T) {
	fb := newFakeBackend()
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	fb.respondErr = &rideerr.Error{Op: "respond_request", Kind: rideerr.ErrNetworkFailure, Status: 503}
	e, sink, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	before := e.State()

	err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"})
	if !errors.Is(err, rideerr.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	after := e.State()
	if !sameRideState(before, after) {
		t.Fatalf("state changed on failure:\n%+v\n%+v", before, after)
	}
	if after.LastError == "" || e.LastError() == nil {
		t.Fatalf("expected last error to be recorded")
	}
	if ev := sink.last(); ev.Feedback != notify.FeedbackError || ev.Message != "Failed to accept request. Please try again." {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestAcceptUnknownRequestIsPrecondition(t *testing.T) {
	fb := newFakeBackend()
	e, _, _ := newDriver(t, fb, here)
	err := e.AcceptRequest(context.Background(), models.RideRequest{ID: "nope"})
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != 0 {
		t.Fatalf("expected no backend calls, got %d", fb.total())
	}
}

func TestAcceptRespectsCapacity(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled, Vehicle: &models.Vehicle{Capacity: 1}, Passengers: []models.PassengerJourney{
		{PassengerJourneyID: "j1", PassengerID: "p1"},
	}}
	fb.requests = []models.RideRequest{pendingRequest("q2", "p2")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := fb.total()
	err := e.AcceptRequest(ctx, models.RideRequest{ID: "q2"})
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != before {
		t.Fatalf("capacity check must not call the backend")
	}
}

func TestRejectRemovesRequest(t *testing.T) {
	fb := newFakeBackend()
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1"), pendingRequest("q2", "p2")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := e.RejectRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	st := e.State()
	if len(st.Pending) != 1 || st.Pending[0].ID != "q2" || len(st.Accepted) != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
	if fb.count("RespondToRequest:"+models.RequestRejected) != 1 {
		t.Fatalf("expected a reject call")
	}
}

func TestStartRideRequiresAcceptedPassenger(t *testing.T) {
	fb := newFakeBackend()
	e, _, _ := newDriver(t, fb, here)
	err := e.StartRide(context.Background())
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestStartRidePermissionDenied(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled, Passengers: []models.PassengerJourney{{PassengerJourneyID: "j1", PassengerID: "p1"}}}
	e, sink, _ := newDriver(t, fb, location.Denied)
	ctx := context.Background()
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	before := e.State()

	err := e.StartRide(ctx)
	if !errors.Is(err, rideerr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if fb.count("StartRide") != 0 {
		t.Fatalf("backend must not be called without location")
	}
	if !sameRideState(before, e.State()) {
		t.Fatalf("state changed on failure")
	}
	if ev := sink.last(); ev.Title != "Permission Denied" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStartRideUnconfirmedIsRejected(t *testing.T) {
	fb := newFakeBackend()
	fb.startRide = models.Ride{Status: models.RideScheduled}
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled, Passengers: []models.PassengerJourney{{PassengerJourneyID: "j1", PassengerID: "p1"}}}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := e.StartRide(ctx); !errors.Is(err, rideerr.ErrBackendRejected) {
		t.Fatalf("expected backend rejection, got %v", err)
	}
	if e.Status() != StatusReadyToStart {
		t.Fatalf("expected status unchanged, got %s", e.Status())
	}
}

func TestEndRideBlockedUntilAllDroppedOff(t *testing.T) {
	fb := newFakeBackend()
	e := inProgressDriver(t, fb)
	before := fb.total()

	err := e.EndRide(context.Background())
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != before {
		t.Fatalf("expected zero backend calls, got %d", fb.total()-before)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("expected InProgress, got %s", e.Status())
	}
}

func TestDropOffRequiresCheckIn(t *testing.T) {
	fb := newFakeBackend()
	e := inProgressDriver(t, fb)
	err := e.DropOff(context.Background(), "j1")
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.count("DropOff") != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestCheckInRequiresSentinel(t *testing.T) {
	fb := newFakeBackend()
	fb.checkIn = "Passenger not found"
	e := inProgressDriver(t, fb)
	before := e.State()

	err := e.CheckIn(context.Background(), "j1")
	if !errors.Is(err, rideerr.ErrBackendRejected) {
		t.Fatalf("expected backend rejection, got %v", err)
	}
	if !sameRideState(before, e.State()) {
		t.Fatalf("check-in flag must not flip without the confirmation")
	}
}

func TestCheckInProvisionalJourneyRefused(t *testing.T) {
	fb := newFakeBackend()
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.StartRide(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := e.CheckIn(ctx, provisionalID("q1"))
	if !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.count("CheckIn") != 0 {
		t.Fatalf("backend must not be called for a provisional journey")
	}
}

func TestDriverStatusNeverRegresses(t *testing.T) {
	fb := newFakeBackend()
	e := inProgressDriver(t, fb)
	ctx := context.Background()

	// A stale snapshot still says Scheduled with nobody on board.
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	if _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("expected InProgress to stick, got %s", e.Status())
	}
}

func TestOperationsRejectWrongRole(t *testing.T) {
	fb := newFakeBackend()
	p, _ := newPassenger(t, fb)
	ctx := context.Background()
	if err := p.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("passenger accept: %v", err)
	}
	if err := p.CheckIn(ctx, "j1"); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("passenger check-in: %v", err)
	}
	d, _, _ := newDriver(t, fb, here)
	if err := d.JoinRide(ctx); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("driver join: %v", err)
	}
	if fb.total() != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestExpiredSessionIsPrecondition(t *testing.T) {
	fb := newFakeBackend()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e, err := New(Config{
		Role:    RoleDriver,
		RideID:  "r1",
		Backend: fb,
		Auth:    auth.Context{Token: "tok", ExpiresAt: now.Add(-time.Minute)},
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := e.FetchRideDetails(context.Background()); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestPassengerLifecycle(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	fb.reqErr = rideerr.New("get_requests", rideerr.ErrNotFound, "")
	e, sink := newPassenger(t, fb)
	ctx := context.Background()

	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if e.Status() != StatusNotJoined {
		t.Fatalf("expected NotJoined, got %s", e.Status())
	}
	if err := e.JoinRide(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if e.Status() != StatusPending {
		t.Fatalf("expected Pending, got %s", e.Status())
	}

	fb.reqErr = nil
	fb.requests = []models.RideRequest{{ID: "q1", PassengerID: "p1", Status: models.RequestAccepted}}
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if e.Status() != StatusAccepted {
		t.Fatalf("expected Accepted, got %s", e.Status())
	}
	if ev := sink.last(); ev.Op != opReconcile || ev.To != "Accepted" {
		t.Fatalf("expected reconcile event, got %+v", ev)
	}

	fb.otpErr = &rideerr.Error{Op: "start_ride_otp", Kind: rideerr.ErrBackendRejected, Status: 422, Message: "Invalid OTP"}
	err := e.StartRideWithOTP(ctx, "0000")
	if !errors.Is(err, rideerr.ErrBackendRejected) {
		t.Fatalf("expected backend rejection, got %v", err)
	}
	if ev := sink.last(); ev.Message != "Invalid OTP" {
		t.Fatalf("expected backend message surfaced, got %+v", ev)
	}
	if e.Status() != StatusAccepted {
		t.Fatalf("expected Accepted after failed OTP, got %s", e.Status())
	}

	fb.otpErr = nil
	if err := e.StartRideWithOTP(ctx, "1234"); err != nil {
		t.Fatalf("otp start: %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("expected InProgress, got %s", e.Status())
	}
	if err := e.EndRide(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if e.Status() != StatusCompleted || fb.count("EndRideAsPassenger") != 1 {
		t.Fatalf("expected passenger end to complete the ride")
	}
}

func TestPassengerOTPRequiresAcceptance(t *testing.T) {
	fb := newFakeBackend()
	e, _ := newPassenger(t, fb)
	if err := e.StartRideWithOTP(context.Background(), "1234"); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestPassengerRejectedFallsBackToNotJoined(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	e, _ := newPassenger(t, fb)
	ctx := context.Background()
	if err := e.JoinRide(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	fb.requests = []models.RideRequest{{ID: "q1", PassengerID: "p1", Status: models.RequestRejected}}
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	st := e.State()
	if st.Status != StatusNotJoined || st.RequestStatus != RequestRejected {
		t.Fatalf("unexpected state %s/%s", st.Status, st.RequestStatus)
	}
}

func TestPassengerCancel(t *testing.T) {
	fb := newFakeBackend()
	e, _ := newPassenger(t, fb)
	ctx := context.Background()
	if err := e.CancelRequest(ctx); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := e.JoinRide(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.CancelRequest(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.Status() != StatusNotJoined {
		t.Fatalf("expected NotJoined, got %s", e.Status())
	}
}

func TestFetchFailureKeepsState(t *testing.T) {
	fb := newFakeBackend()
	e := inProgressDriver(t, fb)
	before := e.State()
	fb.rideErr = &rideerr.Error{Op: "get_ride", Kind: rideerr.ErrNetworkFailure, Status: 502}

	if _, err := e.FetchRideDetails(context.Background()); !errors.Is(err, rideerr.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if !sameRideState(before, e.State()) {
		t.Fatalf("state changed on failed fetch")
	}
}

func TestSubscribeSeesEveryChange(t *testing.T) {
	fb := newFakeBackend()
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, _, _ := newDriver(t, fb, here)
	var seen []Status
	cancel := e.Subscribe(func(s State) { seen = append(seen, s.Status) })
	ctx := context.Background()

	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	cancel()
	_ = e.StartRide(ctx)

	want := []Status{StatusReceivingRequests, StatusReadyToStart}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestConcurrentFetchAndAcceptKeepBoth(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.FetchRideDetails(ctx)
		}()
	}
	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	wg.Wait()

	st := e.State()
	if len(st.Accepted) != 1 || st.Status != StatusReadyToStart {
		t.Fatalf("accepted passenger lost: %+v", st)
	}
}

func TestNoRequestsResponseIsEmptyList(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/rides/getRequestByRide", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "No requests found for this ride", http.StatusBadRequest)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := backend.NewClient(srv.URL, auth.Context{Token: "tok"}, srv.Client(), nil)
	e, err := New(Config{Role: RoleDriver, RideID: "r1", Auth: auth.Context{Token: "tok"}, Backend: client})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reqs, err := e.FetchPendingRequests(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(reqs) != 0 || e.Status() != StatusWaitingForRequests || e.LastError() != nil {
		t.Fatalf("unexpected result %v / %s", reqs, e.Status())
	}
}

func TestEndRideWithOnePassengerStillAboard(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideOngoing, Passengers: []models.PassengerJourney{
		{PassengerJourneyID: "j1", PassengerID: "p1", CheckinStatus: true, CheckoutStatus: true},
		{PassengerJourneyID: "j2", PassengerID: "p2", CheckinStatus: true},
	}}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchRideDetails(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("expected InProgress from server status, got %s", e.Status())
	}
	before := fb.total()

	if err := e.EndRide(ctx); !errors.Is(err, rideerr.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if fb.total() != before {
		t.Fatalf("expected zero network calls, got %d", fb.total()-before)
	}
	for _, p := range e.State().Accepted {
		if p.CheckoutStatus && !p.CheckinStatus {
			t.Fatalf("checkout without checkin: %+v", p)
		}
	}
}

func TestFetchPendingRequestsIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	fb.requests = []models.RideRequest{
		pendingRequest("q1", "p1"),
		{ID: "q2", PassengerID: "p2", Status: models.RequestAccepted},
		pendingRequest("q3", "p3"),
	}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()

	first, err := e.FetchPendingRequests(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := e.FetchPendingRequests(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(first) != 2 || !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical pending lists, got %v and %v", first, second)
	}
}

// holdNextRead makes the next GetRide/GetRequestsForRide block after it has
// read the fake's data. It returns once that read happened and a release
// func that lets the call return.
func holdNextRead(t *testing.T, fb *fakeBackend, start func()) (release func()) {
	t.Helper()
	read := make(chan struct{})
	hold := make(chan struct{})
	fb.mu.Lock()
	fb.afterRead = func(string) {
		close(read)
		<-hold
	}
	fb.mu.Unlock()
	go start()
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch never reached the backend")
	}
	fb.mu.Lock()
	fb.afterRead = nil
	fb.mu.Unlock()
	return func() { close(hold) }
}

func TestStaleRequestsFetchCannotUndoAccept(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	done := make(chan error, 1)
	release := holdNextRead(t, fb, func() {
		_, err := e.FetchPendingRequests(ctx)
		done <- err
	})
	fb.respondRide = models.Ride{ID: "r1", Status: models.RideScheduled, Passengers: []models.PassengerJourney{
		{PassengerJourneyID: "j1", PassengerID: "p1"},
	}}
	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("fetch: %v", err)
	}

	st := e.State()
	if len(st.Pending) != 0 {
		t.Fatalf("accepted request back in pending: %+v", st.Pending)
	}
	if len(st.Accepted) != 1 || st.Accepted[0].PassengerJourneyID != "j1" || st.Status != StatusReadyToStart {
		t.Fatalf("accept lost: %+v", st)
	}

	// a fetch issued after the accept is current, but q1 stays settled
	if _, err := e.FetchPendingRequests(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if st := e.State(); len(st.Pending) != 0 {
		t.Fatalf("settled request returned: %+v", st.Pending)
	}
}

func TestStaleRideFetchKeepsAcceptedJourney(t *testing.T) {
	fb := newFakeBackend()
	fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
	fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
	e, _, _ := newDriver(t, fb, here)
	ctx := context.Background()
	if _, err := e.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	done := make(chan error, 1)
	release := holdNextRead(t, fb, func() {
		_, err := e.FetchRideDetails(ctx)
		done <- err
	})
	fb.respondRide = models.Ride{ID: "r1", Status: models.RideScheduled, Passengers: []models.PassengerJourney{
		{PassengerJourneyID: "j1", PassengerID: "p1"},
	}}
	if err := e.AcceptRequest(ctx, models.RideRequest{ID: "q1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("fetch: %v", err)
	}

	st := e.State()
	if len(st.Accepted) != 1 || st.Accepted[0].PassengerJourneyID != "j1" || st.Status != StatusReadyToStart {
		t.Fatalf("stale ride dropped the accepted passenger: %+v", st)
	}
}

func TestFailedCommandsLeaveStateUnchanged(t *testing.T) {
	rejected := &rideerr.Error{Op: "backend", Kind: rideerr.ErrBackendRejected, Status: 400, Message: "Nope"}
	network := &rideerr.Error{Op: "backend", Kind: rideerr.ErrNetworkFailure, Status: 502}

	pendingDriver := func(t *testing.T, fb *fakeBackend) *Engine {
		fb.requests = []models.RideRequest{pendingRequest("q1", "p1")}
		e, _, _ := newDriver(t, fb, here)
		if _, err := e.FetchPendingRequests(context.Background()); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		return e
	}
	droppedOffDriver := func(t *testing.T, fb *fakeBackend) *Engine {
		e := inProgressDriver(t, fb)
		ctx := context.Background()
		if err := e.CheckIn(ctx, "j1"); err != nil {
			t.Fatalf("check in: %v", err)
		}
		if err := e.DropOff(ctx, "j1"); err != nil {
			t.Fatalf("drop off: %v", err)
		}
		return e
	}
	checkedInDriver := func(t *testing.T, fb *fakeBackend) *Engine {
		e := inProgressDriver(t, fb)
		if err := e.CheckIn(context.Background(), "j1"); err != nil {
			t.Fatalf("check in: %v", err)
		}
		return e
	}
	acceptedPassenger := func(t *testing.T, fb *fakeBackend) *Engine {
		fb.ride = models.Ride{ID: "r1", Status: models.RideScheduled}
		fb.requests = []models.RideRequest{{ID: "q1", PassengerID: "p1", Status: models.RequestAccepted}}
		e, _ := newPassenger(t, fb)
		if _, err := e.FetchRideDetails(context.Background()); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		return e
	}
	joinedPassenger := func(t *testing.T, fb *fakeBackend) *Engine {
		e, _ := newPassenger(t, fb)
		if err := e.JoinRide(context.Background()); err != nil {
			t.Fatalf("join: %v", err)
		}
		return e
	}

	cases := []struct {
		name  string
		setup func(*testing.T, *fakeBackend) *Engine
		arm   func(*fakeBackend)
		run   func(context.Context, *Engine) error
		want  error
	}{
		{
			name:  "reject",
			setup: pendingDriver,
			arm:   func(fb *fakeBackend) { fb.respondErr = network },
			run: func(ctx context.Context, e *Engine) error {
				return e.RejectRequest(ctx, models.RideRequest{ID: "q1"})
			},
			want: rideerr.ErrNetworkFailure,
		},
		{
			name:  "driver end rejected",
			setup: droppedOffDriver,
			arm:   func(fb *fakeBackend) { fb.endErr = rejected },
			run:   func(ctx context.Context, e *Engine) error { return e.EndRide(ctx) },
			want:  rideerr.ErrBackendRejected,
		},
		{
			name:  "driver end unconfirmed",
			setup: droppedOffDriver,
			arm:   func(fb *fakeBackend) { fb.endRide = models.Ride{Status: models.RideOngoing} },
			run:   func(ctx context.Context, e *Engine) error { return e.EndRide(ctx) },
			want:  rideerr.ErrBackendRejected,
		},
		{
			name:  "drop off network",
			setup: checkedInDriver,
			arm:   func(fb *fakeBackend) { fb.dropOffErr = network },
			run:   func(ctx context.Context, e *Engine) error { return e.DropOff(ctx, "j1") },
			want:  rideerr.ErrNetworkFailure,
		},
		{
			name:  "drop off unconfirmed",
			setup: checkedInDriver,
			arm:   func(fb *fakeBackend) { fb.dropOff = "Passenger not found" },
			run:   func(ctx context.Context, e *Engine) error { return e.DropOff(ctx, "j1") },
			want:  rideerr.ErrBackendRejected,
		},
		{
			name:  "otp start",
			setup: acceptedPassenger,
			arm:   func(fb *fakeBackend) { fb.otpErr = rejected },
			run:   func(ctx context.Context, e *Engine) error { return e.StartRideWithOTP(ctx, "0000") },
			want:  rideerr.ErrBackendRejected,
		},
		{
			name: "passenger end",
			setup: func(t *testing.T, fb *fakeBackend) *Engine {
				e := acceptedPassenger(t, fb)
				if err := e.StartRideWithOTP(context.Background(), "1234"); err != nil {
					t.Fatalf("otp start: %v", err)
				}
				return e
			},
			arm:  func(fb *fakeBackend) { fb.passEndErr = network },
			run:  func(ctx context.Context, e *Engine) error { return e.EndRide(ctx) },
			want: rideerr.ErrNetworkFailure,
		},
		{
			name: "join",
			setup: func(t *testing.T, fb *fakeBackend) *Engine {
				e, _ := newPassenger(t, fb)
				return e
			},
			arm:  func(fb *fakeBackend) { fb.joinErr = rejected },
			run:  func(ctx context.Context, e *Engine) error { return e.JoinRide(ctx) },
			want: rideerr.ErrBackendRejected,
		},
		{
			name:  "cancel",
			setup: joinedPassenger,
			arm:   func(fb *fakeBackend) { fb.cancelErr = network },
			run:   func(ctx context.Context, e *Engine) error { return e.CancelRequest(ctx) },
			want:  rideerr.ErrNetworkFailure,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fb := newFakeBackend()
			e := c.setup(t, fb)
			before := e.State()
			c.arm(fb)

			if err := c.run(context.Background(), e); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
			after := e.State()
			if !sameRideState(before, after) {
				t.Fatalf("state changed on failure:\nbefore %+v\nafter  %+v", before, after)
			}
			if after.LastError == "" || after.Version <= before.Version {
				t.Fatalf("failure not recorded: %+v", after)
			}
		})
	}
}
