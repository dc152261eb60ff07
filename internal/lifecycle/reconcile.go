package lifecycle

import (
	"github.com/example/carpool-lifecycle/internal/models"
)

// View is the local state reconciliation starts from.
type View struct {
	Role          Role
	Viewer        models.ID // passenger id for RolePassenger
	Status        Status
	Ride          models.Ride
	Journeys      []models.PassengerJourney
	Pending       []models.RideRequest
	RequestStatus RequestStatus

	// Settled holds request ids this engine accepted or rejected. They
	// never return to Pending.
	Settled map[models.ID]bool
}

// Snapshot is what the server said. A nil Ride or RequestsFetched=false
// means that part was not fetched and local data is kept.
//
// Stale marks a snapshot read before the engine's last command committed.
// It may add to the local view but never removes a journey or moves a
// status backwards.
type Snapshot struct {
	Ride            *models.Ride
	Requests        []models.RideRequest
	RequestsFetched bool
	Stale           bool
}

// StateDelta is the reconciled state. From/To expose the transition, if any.
type StateDelta struct {
	From          Status
	To            Status
	Ride          models.Ride
	Journeys      []models.PassengerJourney
	Pending       []models.RideRequest
	RequestStatus RequestStatus
}

func (d StateDelta) Changed() bool { return d.From != d.To }

// Reconcile folds a server snapshot into the local view. It has no side
// effects. Driver states only move forward; passenger states may fall
// back from Pending/Accepted to NotJoined (cancelled or rejected request)
// but never out of InProgress/Completed.
func Reconcile(v View, snap Snapshot) StateDelta {
	d := StateDelta{
		From:          v.Status,
		Ride:          v.Ride.Clone(),
		Journeys:      append([]models.PassengerJourney(nil), v.Journeys...),
		Pending:       append([]models.RideRequest(nil), v.Pending...),
		RequestStatus: v.RequestStatus,
	}
	if snap.Ride != nil {
		local := d.Ride
		d.Ride = snap.Ride.Clone()
		if d.Ride.RideStartTime.IsZero() {
			d.Ride.RideStartTime = local.RideStartTime
		}
		if d.Ride.RideEndTime.IsZero() {
			d.Ride.RideEndTime = local.RideEndTime
		}
		d.Journeys = mergeJourneys(v.Journeys, snap.Ride.Passengers, snap.Stale)
	}
	d.Ride.Passengers = nil
	if snap.RequestsFetched {
		d.Pending = pendingOnly(snap.Requests, v.Settled)
	}

	switch v.Role {
	case RoleDriver:
		d.To = reconcileDriver(v.Status, d)
	case RolePassenger:
		if snap.Stale {
			d.To, d.RequestStatus = reconcileStalePassenger(v, snap, d)
			break
		}
		d.To, d.RequestStatus = reconcilePassenger(v, snap, d)
	default:
		d.To = v.Status
	}
	return d
}

func reconcileDriver(cur Status, d StateDelta) Status {
	derived := StatusWaitingForRequests
	switch {
	case len(d.Journeys) > 0:
		derived = StatusReadyToStart
	case len(d.Pending) > 0:
		derived = StatusReceivingRequests
	}
	if s, ok := StatusFromServer(RoleDriver, d.Ride.Status); ok && s.rank(RoleDriver) > derived.rank(RoleDriver) {
		derived = s
	}
	if cur.rank(RoleDriver) > derived.rank(RoleDriver) {
		return cur
	}
	return derived
}

func reconcilePassenger(v View, snap Snapshot, d StateDelta) (Status, RequestStatus) {
	own, onRoster := newJourneySet(d.Journeys).byPassenger(v.Viewer)
	if !onRoster {
		own, onRoster = rosterViaRequests(v.Viewer, snap.Requests)
	}

	if s, ok := StatusFromServer(RolePassenger, d.Ride.Status); ok && s == StatusCompleted && wasAboard(v, snap, onRoster) {
		return StatusCompleted, d.RequestStatus
	}
	switch {
	case onRoster && own.CheckoutStatus:
		return StatusCompleted, RequestAccepted
	case onRoster && own.CheckinStatus:
		return StatusInProgress, RequestAccepted
	}
	if v.Status == StatusInProgress || v.Status == StatusCompleted {
		return v.Status, d.RequestStatus
	}

	if !snap.RequestsFetched {
		if onRoster {
			return StatusAccepted, RequestAccepted
		}
		return v.Status, d.RequestStatus
	}

	rs := ownRequestStatus(v.Viewer, snap.Requests)
	switch {
	case onRoster || rs == RequestAccepted:
		return StatusAccepted, RequestAccepted
	case rs == RequestPending:
		return StatusPending, RequestPending
	case rs == RequestRejected:
		return StatusNotJoined, RequestRejected
	}
	return StatusNotJoined, RequestUnknown
}

// wasAboard reports whether the viewer was accepted onto the ride, so that
// the ride completing also completes their trip.
func wasAboard(v View, snap Snapshot, onRoster bool) bool {
	if onRoster || v.RequestStatus == RequestAccepted || v.Status.rank(RolePassenger) >= StatusAccepted.rank(RolePassenger) {
		return true
	}
	return snap.RequestsFetched && ownRequestStatus(v.Viewer, snap.Requests) == RequestAccepted
}

// reconcileStalePassenger ignores the stale request rows, which predate the
// viewer's last join or cancel, and only lets the ride data move the
// status forward.
func reconcileStalePassenger(v View, snap Snapshot, d StateDelta) (Status, RequestStatus) {
	to, rs := reconcilePassenger(v, Snapshot{Ride: snap.Ride}, d)
	if to.rank(RolePassenger) < v.Status.rank(RolePassenger) {
		return v.Status, v.RequestStatus
	}
	return to, rs
}

// ownRequestStatus picks the viewer's request. When the passenger has
// several rows (e.g. a rejected one then a new one), the most advanced wins.
func ownRequestStatus(viewer models.ID, reqs []models.RideRequest) RequestStatus {
	best := RequestUnknown
	if viewer == "" {
		return best
	}
	for _, r := range reqs {
		if r.PassengerID != viewer {
			continue
		}
		switch rs := RequestStatusFromServer(r.Status); {
		case rs == RequestAccepted:
			return rs
		case rs == RequestPending:
			best = rs
		case rs == RequestRejected && best == RequestUnknown:
			best = rs
		}
	}
	return best
}

// rosterViaRequests checks the ride echoed on request rows, which lists the
// passengers the backend has already accepted.
func rosterViaRequests(viewer models.ID, reqs []models.RideRequest) (models.PassengerJourney, bool) {
	if viewer == "" {
		return models.PassengerJourney{}, false
	}
	for _, r := range reqs {
		if r.Ride == nil {
			continue
		}
		for _, p := range r.Ride.Passengers {
			if p.PassengerID == viewer {
				return normalise(p), true
			}
		}
	}
	return models.PassengerJourney{}, false
}

func pendingOnly(reqs []models.RideRequest, settled map[models.ID]bool) []models.RideRequest {
	out := make([]models.RideRequest, 0, len(reqs))
	seen := make(map[models.ID]bool, len(reqs))
	for _, r := range reqs {
		if RequestStatusFromServer(r.Status) != RequestPending || seen[r.ID] || settled[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}
