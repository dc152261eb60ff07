package lifecycle

import (
	"fmt"
	"strings"

	"github.com/example/carpool-lifecycle/internal/models"
)

type Role int

const (
	RoleDriver Role = iota + 1
	RolePassenger
)

func (r Role) String() string {
	switch r {
	case RoleDriver:
		return "driver"
	case RolePassenger:
		return "passenger"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "driver":
		return RoleDriver, nil
	case "passenger":
		return RolePassenger, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Status is the single internal vocabulary for both viewers of a ride.
// Driver states and passenger states share InProgress and Completed.
type Status int

const (
	StatusUnknown Status = iota
	StatusWaitingForRequests
	StatusReceivingRequests
	StatusReadyToStart
	StatusNotJoined
	StatusPending
	StatusAccepted
	StatusInProgress
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusUnknown:            "Unknown",
	StatusWaitingForRequests: "WaitingForRequests",
	StatusReceivingRequests:  "ReceivingRequests",
	StatusReadyToStart:       "ReadyToStart",
	StatusNotJoined:          "NotJoined",
	StatusPending:            "Pending",
	StatusAccepted:           "Accepted",
	StatusInProgress:         "InProgress",
	StatusCompleted:          "Completed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// rank orders the states of one role along the lifecycle. A state that
// does not belong to the role ranks 0.
func (s Status) rank(role Role) int {
	switch role {
	case RoleDriver:
		switch s {
		case StatusWaitingForRequests:
			return 1
		case StatusReceivingRequests:
			return 2
		case StatusReadyToStart:
			return 3
		}
	case RolePassenger:
		switch s {
		case StatusNotJoined:
			return 1
		case StatusPending:
			return 2
		case StatusAccepted:
			return 3
		}
	}
	switch s {
	case StatusInProgress:
		return 4
	case StatusCompleted:
		return 5
	}
	return 0
}

// InitialStatus is the state of a fresh engine before any server data.
func InitialStatus(role Role) Status {
	if role == RolePassenger {
		return StatusNotJoined
	}
	return StatusWaitingForRequests
}

// rideStatusTable maps upper-cased server ride status strings to internal
// states, per viewer. "Scheduled" carries no information beyond "not
// started"; the pre-start state is derived from requests and roster.
var rideStatusTable = map[Role]map[string]Status{
	RoleDriver: {
		"SCHEDULED":            StatusWaitingForRequests,
		"WAITING_FOR_REQUESTS": StatusWaitingForRequests,
		"RECEIVING_REQUESTS":   StatusReceivingRequests,
		"READY_TO_START":       StatusReadyToStart,
		"ONGOING":              StatusInProgress,
		"IN_PROGRESS":          StatusInProgress,
		"COMPLETED":            StatusCompleted,
	},
	RolePassenger: {
		"SCHEDULED":   StatusNotJoined,
		"ONGOING":     StatusInProgress,
		"IN_PROGRESS": StatusInProgress,
		"COMPLETED":   StatusCompleted,
	},
}

// StatusFromServer maps a raw ride status for the given viewer.
func StatusFromServer(role Role, raw string) (Status, bool) {
	s, ok := rideStatusTable[role][strings.ToUpper(strings.TrimSpace(raw))]
	return s, ok
}

type RequestStatus int

const (
	RequestUnknown RequestStatus = iota
	RequestPending
	RequestAccepted
	RequestRejected
)

func RequestStatusFromServer(raw string) RequestStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case strings.ToUpper(models.RequestPending):
		return RequestPending
	case strings.ToUpper(models.RequestAccepted):
		return RequestAccepted
	case strings.ToUpper(models.RequestRejected):
		return RequestRejected
	}
	return RequestUnknown
}

func (r RequestStatus) String() string {
	switch r {
	case RequestPending:
		return "Pending"
	case RequestAccepted:
		return "Accepted"
	case RequestRejected:
		return "Rejected"
	}
	return "None"
}

func (r RequestStatus) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
