package lifecycle

import (
	"context"
	"errors"

	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/rideerr"
)

const (
	opFetchRide        = "fetch_ride"
	opFetchRequests    = "fetch_requests"
	opReconcile        = "reconcile"
	opAcceptRequest    = "accept_request"
	opRejectRequest    = "reject_request"
	opStartRide        = "start_ride"
	opStartRideOTP     = "start_ride_otp"
	opEndRide          = "end_ride"
	opEndRidePassenger = "end_ride_passenger"
	opCheckIn          = "check_in"
	opDropOff          = "drop_off"
	opJoinRide         = "join_ride"
	opCancelRequest    = "cancel_request"
)

type opText struct {
	ok, failed string
}

var opTexts = map[string]opText{
	opAcceptRequest:    {"Request accepted successfully", "Failed to accept request. Please try again."},
	opRejectRequest:    {"Request rejected", "Failed to reject request. Please try again."},
	opStartRide:        {"Ride started successfully!", "Failed to start ride. Please try again."},
	opStartRideOTP:     {"Ride started successfully!", "Failed to start ride. Please check the OTP and try again."},
	opEndRide:          {"Ride completed successfully!", "Failed to end ride. Please try again."},
	opEndRidePassenger: {"Ride completed successfully!", "Failed to end ride. Please try again."},
	opCheckIn:          {"Passenger checked in successfully", "Failed to check in passenger. Please try again."},
	opDropOff:          {"Passenger dropped off successfully", "Failed to drop off passenger. Please try again."},
	opJoinRide:         {"Ride request sent successfully", "Failed to send ride request. Please try again."},
	opCancelRequest:    {"Ride request cancelled", "Failed to cancel request. Please try again."},
}

func (e *Engine) succeed(ctx context.Context, op string, from, to Status) {
	ev := notify.NewEvent(op, e.rideID, e.role.String(), notify.FeedbackSuccess, "Success", opTexts[op].ok)
	if from != to {
		ev.From, ev.To = from.String(), to.String()
	}
	e.sink.Notify(ctx, ev)
}

// failureEvent picks the text shown for a failed command: the backend's or
// precondition's own message where there is one, a generic line otherwise.
func (e *Engine) failureEvent(op string, err error) notify.Event {
	title, msg := "Error", opTexts[op].failed
	switch {
	case errors.Is(err, rideerr.ErrPermissionDenied):
		title, msg = "Permission Denied", "Please grant location permissions to continue."
	case errors.Is(err, rideerr.ErrLocationUnavailable):
		title, msg = "Location Unavailable", "Could not determine your location. Please try again."
	case errors.Is(err, rideerr.ErrPreconditionFailed), errors.Is(err, rideerr.ErrBackendRejected):
		var re *rideerr.Error
		if errors.As(err, &re) && re.Message != "" {
			msg = re.Message
		}
	}
	return notify.NewEvent(op, e.rideID, e.role.String(), notify.FeedbackError, title, msg)
}

func reconcileMessage(role Role, s Status) string {
	switch s {
	case StatusReceivingRequests:
		return "New ride requests are waiting"
	case StatusReadyToStart:
		return "Passengers are ready, you can start the ride"
	case StatusPending:
		return "Your request is waiting for the driver"
	case StatusAccepted:
		return "Your request was accepted"
	case StatusNotJoined:
		return "Your request is no longer active"
	case StatusInProgress:
		return "Ride is in progress"
	case StatusCompleted:
		if role == RolePassenger {
			return "You have reached your destination"
		}
		return "Ride completed"
	}
	return "Ride details updated"
}
