package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ID is an opaque backend identifier. The carpool API emits ids as JSON
// numbers in some payloads and strings in others, so both decode.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Time accepts the handful of layouts the backend has been seen to use.
// A zero Time marshals as null.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if s[0] != '"' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	raw, err := strconv.Unquote(s)
	if err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return &time.ParseError{Layout: time.RFC3339, Value: raw, Message: ": unrecognised timestamp"}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func At(t time.Time) Time { return Time{Time: t} }

type Vehicle struct {
	ID       ID  `json:"id,omitempty"`
	Capacity int `json:"capacity"`
}

type Ride struct {
	ID            ID                 `json:"id"`
	Status        string             `json:"status"`
	Source        string             `json:"source"`
	Destination   string             `json:"destination"`
	RideDate      Time               `json:"rideDate"`
	RideStartTime Time               `json:"rideStartTime"`
	RideEndTime   Time               `json:"rideEndTime"`
	Capacity      int                `json:"capacity,omitempty"`
	Vehicle       *Vehicle           `json:"vehicleDto,omitempty"`
	Passengers    []PassengerJourney `json:"passengers"`
}

// SeatCapacity prefers the ride's own capacity and falls back to the
// vehicle's. Zero means unknown.
func (r Ride) SeatCapacity() int {
	if r.Capacity > 0 {
		return r.Capacity
	}
	if r.Vehicle != nil {
		return r.Vehicle.Capacity
	}
	return 0
}

// Duration is zero until both start and end are known.
func (r Ride) Duration() time.Duration {
	if r.RideStartTime.IsZero() || r.RideEndTime.IsZero() {
		return 0
	}
	return r.RideEndTime.Sub(r.RideStartTime.Time)
}

// Clone returns a copy that shares no slices with r.
func (r Ride) Clone() Ride {
	out := r
	if r.Vehicle != nil {
		v := *r.Vehicle
		out.Vehicle = &v
	}
	if r.Passengers != nil {
		out.Passengers = append([]PassengerJourney(nil), r.Passengers...)
	}
	return out
}

type PassengerJourney struct {
	PassengerJourneyID ID     `json:"passengerJourneyId"`
	PassengerID        ID     `json:"passengerId"`
	FirstName          string `json:"firstName"`
	LastName           string `json:"lastName"`
	StartLocation      string `json:"startLocation"`
	EndLocation        string `json:"endLocation"`
	CheckinStatus      bool   `json:"checkinStatus"`
	CheckoutStatus     bool   `json:"checkoutStatus"`

	// Provisional is set on journeys synthesised locally from an accepted
	// request before the backend has assigned a journey id.
	Provisional bool `json:"provisional,omitempty"`
}

func (p PassengerJourney) DisplayName() string {
	if p.FirstName == "" || p.LastName == "" {
		return "Unknown Passenger"
	}
	return p.FirstName + " " + p.LastName
}

func (p PassengerJourney) Route() string {
	if p.StartLocation == "" || p.EndLocation == "" {
		return "Route not specified"
	}
	return p.StartLocation + " → " + p.EndLocation
}

// RideRef is the nested ride the backend echoes on request rows.
type RideRef struct {
	ID         ID                 `json:"id"`
	Passengers []PassengerJourney `json:"passengers,omitempty"`
}

type RideRequest struct {
	ID             ID       `json:"id"`
	PassengerID    ID       `json:"passengerId"`
	PassengerName  string   `json:"passengerName"`
	RequestTime    Time     `json:"requestTime"`
	Status         string   `json:"status"`
	StartLocation  string   `json:"startLocation"`
	StartLatitude  float64  `json:"startLatitude"`
	StartLongitude float64  `json:"startLongitude"`
	EndLocation    string   `json:"endLocation"`
	EndLatitude    float64  `json:"endLatitude"`
	EndLongitude   float64  `json:"endLongitude"`
	Ride           *RideRef `json:"rideDto,omitempty"`
}

// Ref is the {"id": ...} object the backend nests for related entities.
type Ref struct {
	ID ID `json:"id"`
}

// RideOffer is a driver publishing a new ride. The backend creates it as
// Scheduled with no requests.
type RideOffer struct {
	Source               string  `json:"source"`
	SourceLatitude       float64 `json:"sourceLatitude"`
	SourceLongitude      float64 `json:"sourceLongitude"`
	Destination          string  `json:"destination"`
	DestinationLatitude  float64 `json:"destinationLatitude"`
	DestinationLongitude float64 `json:"destinationLongitude"`
	RideDate             string  `json:"rideDate"`
	ScheduledStartTime   string  `json:"rideScheduledStartTime"`
	ScheduledEndTime     string  `json:"rideScheduledEndTime"`
	Driver               *Ref    `json:"driverDetails,omitempty"`
	Vehicle              *Ref    `json:"vehicleDto,omitempty"`
}

var clockLayouts = []string{"15:04:05", "15:04"}

func parseClock(s string) (time.Time, error) {
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time of day %q", s)
}

// Normalize validates the offer and fills the defaults the app applies:
// start and end as HH:MM:SS, end one hour after start (wrapping at
// midnight).
func (o RideOffer) Normalize() (RideOffer, error) {
	var errs []error
	if strings.TrimSpace(o.Source) == "" || strings.TrimSpace(o.Destination) == "" {
		errs = append(errs, errors.New("source and destination are required"))
	}
	if _, err := time.Parse("2006-01-02", o.RideDate); err != nil {
		errs = append(errs, fmt.Errorf("invalid ride date %q", o.RideDate))
	}
	if !validCoord(o.SourceLatitude, o.SourceLongitude) || !validCoord(o.DestinationLatitude, o.DestinationLongitude) {
		errs = append(errs, errors.New("coordinates out of range"))
	}
	if o.Vehicle == nil || o.Vehicle.ID == "" {
		errs = append(errs, errors.New("a vehicle is required"))
	}
	start, err := parseClock(o.ScheduledStartTime)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return o, errors.Join(errs...)
	}
	end := start.Add(time.Hour)
	if o.ScheduledEndTime != "" {
		if end, err = parseClock(o.ScheduledEndTime); err != nil {
			return o, err
		}
	}
	o.ScheduledStartTime = start.Format("15:04:05")
	o.ScheduledEndTime = end.Format("15:04:05")
	return o, nil
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Request status strings as the backend spells them.
const (
	RequestPending  = "PENDING"
	RequestAccepted = "Accepted"
	RequestRejected = "Rejected"
)

// Ride status strings as the backend spells them.
const (
	RideScheduled = "Scheduled"
	RideOngoing   = "Ongoing"
	RideCompleted = "Completed"
)

// Sentinel bodies returned by the passenger check-in/out endpoints.
const (
	CheckInConfirmed = "Ride Started!"
	DropOffConfirmed = "Ride Completed!"
)

// DeviceFix is one location sample published by a device.
type DeviceFix struct {
	DeviceID         string    `json:"device_id"`
	Loc              Coord     `json:"loc"`
	PermissionDenied bool      `json:"permission_denied"`
	Updated          time.Time `json:"updated"`
}
