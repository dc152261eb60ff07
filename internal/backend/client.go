package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/observability"
	"github.com/example/carpool-lifecycle/internal/rideerr"
)

const DefaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a failed response we keep as message.
const maxErrorBody = 512

// Client talks to the carpool REST API on behalf of one signed-in user.
type Client struct {
	BaseURL string
	Auth    auth.Context
	HTTP    *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(baseURL string, ac auth.Context, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Auth: ac, HTTP: hc, Timeout: DefaultTimeout, Logger: logger}
}

// WithAuth returns a client sharing transport and settings but acting for ac.
func (c *Client) WithAuth(ac auth.Context) *Client {
	cp := *c
	cp.Auth = ac
	return &cp
}

type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Login exchanges credentials for a token and returns the resulting Context.
func (c *Client) Login(ctx context.Context, username, password string) (auth.Context, error) {
	var out loginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "/user/token", nil, body, false, &out); err != nil {
		return auth.Context{}, err
	}
	tok := out.Token
	if tok == "" {
		tok = out.AccessToken
	}
	ac, err := auth.FromToken(tok)
	if err != nil {
		return auth.Context{}, rideerr.Wrap("login", rideerr.ErrBackendRejected, err)
	}
	if ac.Username == "" {
		ac.Username = username
	}
	return ac, nil
}

func (c *Client) GetRide(ctx context.Context, rideID models.ID) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "get_ride", http.MethodGet, "/rides/getById", url.Values{"id": {rideID.String()}}, nil, true, &r)
	return r, err
}

// GetRequestsForRide lists every request row for the ride. The backend
// answers 400 when the ride has no requests; that surfaces as ErrNotFound.
func (c *Client) GetRequestsForRide(ctx context.Context, rideID models.ID) ([]models.RideRequest, error) {
	var out []models.RideRequest
	err := c.do(ctx, "get_requests", http.MethodGet, "/rides/getRequestByRide", url.Values{"rideId": {rideID.String()}}, nil, true, &out)
	var re *rideerr.Error
	if errors.As(err, &re) && re.Status == http.StatusBadRequest {
		return nil, &rideerr.Error{Op: "get_requests", Kind: rideerr.ErrNotFound, Status: re.Status, Message: re.Message}
	}
	return out, err
}

// OfferRide publishes a new ride for the offer's driver.
func (c *Client) OfferRide(ctx context.Context, offer models.RideOffer) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "offer_ride", http.MethodPost, "/rides/add", nil, offer, true, &r)
	return r, err
}

// SearchRides lists rides a passenger near at can join. The backend answers
// with a bare array or with {"rides": [...]}.
func (c *Client) SearchRides(ctx context.Context, at models.Coord) ([]models.Ride, error) {
	var raw json.RawMessage
	q := url.Values{
		"latitude":  {strconv.FormatFloat(at.Lat, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(at.Lon, 'f', -1, 64)},
	}
	if err := c.do(ctx, "search_rides", http.MethodGet, "/passenger/searchRide", q, nil, true, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var rides []models.Ride
		if err := json.Unmarshal(raw, &rides); err != nil {
			return nil, rideerr.Wrap("search_rides", rideerr.ErrNetworkFailure, fmt.Errorf("decode response: %w", err))
		}
		return rides, nil
	}
	var wrapped struct {
		Rides []models.Ride `json:"rides"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, rideerr.Wrap("search_rides", rideerr.ErrNetworkFailure, fmt.Errorf("decode response: %w", err))
	}
	return wrapped.Rides, nil
}

// ScheduledRides lists the driver's rides that have not started yet.
func (c *Client) ScheduledRides(ctx context.Context, driverID models.ID) ([]models.Ride, error) {
	var out []models.Ride
	err := c.do(ctx, "scheduled_rides", http.MethodGet, "/rides/scheduledRides", url.Values{"id": {driverID.String()}}, nil, true, &out)
	return out, err
}

func (c *Client) DriverRideHistory(ctx context.Context, driverID models.ID) ([]models.Ride, error) {
	var out []models.Ride
	err := c.do(ctx, "driver_history", http.MethodGet, "/rides/getByDriver", url.Values{"id": {driverID.String()}}, nil, true, &out)
	return out, err
}

// PassengerRideHistory lists the passenger's request rows, each echoing
// its ride.
func (c *Client) PassengerRideHistory(ctx context.Context, passengerID models.ID) ([]models.RideRequest, error) {
	var out []models.RideRequest
	err := c.do(ctx, "passenger_history", http.MethodGet, "/rides/getRequestByPassenger", url.Values{"passengerId": {passengerID.String()}}, nil, true, &out)
	return out, err
}

type rideRef struct {
	ID models.ID `json:"id"`
}

type respondBody struct {
	Ride           rideRef   `json:"rideDto"`
	CustomerID     models.ID `json:"customerId,omitempty"`
	StartLocation  string    `json:"startLocation,omitempty"`
	StartLatitude  float64   `json:"startLatitude,omitempty"`
	StartLongitude float64   `json:"startLongitude,omitempty"`
	EndLocation    string    `json:"endLocation,omitempty"`
	EndLatitude    float64   `json:"endLatitude,omitempty"`
	EndLongitude   float64   `json:"endLongitude,omitempty"`
}

// RespondToRequest accepts or rejects req. decision is models.RequestAccepted
// or models.RequestRejected.
func (c *Client) RespondToRequest(ctx context.Context, rideID models.ID, req models.RideRequest, decision string) (models.Ride, error) {
	body := respondBody{Ride: rideRef{ID: rideID}}
	if decision == models.RequestAccepted {
		body.CustomerID = req.PassengerID
		body.StartLocation = req.StartLocation
		body.StartLatitude = req.StartLatitude
		body.StartLongitude = req.StartLongitude
		body.EndLocation = req.EndLocation
		body.EndLatitude = req.EndLatitude
		body.EndLongitude = req.EndLongitude
	}
	q := url.Values{"requestId": {req.ID.String()}, "status": {decision}}
	var r models.Ride
	err := c.do(ctx, "respond_request", http.MethodPost, "/rides/respond", q, body, true, &r)
	return r, err
}

func (c *Client) JoinRide(ctx context.Context, rideID, passengerID models.ID) error {
	q := url.Values{"passengerId": {passengerID.String()}, "rideId": {rideID.String()}}
	return c.do(ctx, "join_ride", http.MethodPost, "/rides/request", q, nil, true, nil)
}

func (c *Client) CancelRequest(ctx context.Context, rideID, passengerID models.ID) error {
	q := url.Values{"passengerId": {passengerID.String()}, "rideId": {rideID.String()}}
	return c.do(ctx, "cancel_request", http.MethodPost, "/rides/cancelRequest", q, struct{}{}, true, nil)
}

type rideAt struct {
	RideID    models.ID `json:"rideId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

type ridePassenger struct {
	RideID      models.ID `json:"rideId"`
	PassengerID models.ID `json:"passengerId"`
	OTP         string    `json:"otp,omitempty"`
}

func (c *Client) StartRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "start_ride", http.MethodPut, "/rides/start", nil, rideAt{rideID, at.Lat, at.Lon}, true, &r)
	return r, err
}

func (c *Client) StartRideWithOTP(ctx context.Context, rideID, passengerID models.ID, otp string) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "start_ride_otp", http.MethodPost, "/rides/start", nil, ridePassenger{rideID, passengerID, otp}, true, &r)
	return r, err
}

func (c *Client) EndRide(ctx context.Context, rideID models.ID, at models.Coord) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "end_ride", http.MethodPut, "/rides/end", nil, rideAt{rideID, at.Lat, at.Lon}, true, &r)
	return r, err
}

func (c *Client) EndRideAsPassenger(ctx context.Context, rideID, passengerID models.ID) (models.Ride, error) {
	var r models.Ride
	err := c.do(ctx, "end_ride_passenger", http.MethodPost, "/rides/end", nil, ridePassenger{RideID: rideID, PassengerID: passengerID}, true, &r)
	return r, err
}

type checkInBody struct {
	RideID             models.ID `json:"rideId"`
	PassengerJourneyID models.ID `json:"passengerJourneyId"`
	CheckinLatitude    float64   `json:"checkinLatitude"`
	CheckinLongitude   float64   `json:"checkinLongitude"`
}

type dropOffBody struct {
	RideID             models.ID `json:"rideId"`
	PassengerJourneyID models.ID `json:"passengerJourneyId"`
	CheckoutLatitude   float64   `json:"checkoutLatitude"`
	CheckoutLongitude  float64   `json:"checkoutLongitude"`
}

// CheckIn returns the confirmation text; models.CheckInConfirmed on success.
func (c *Client) CheckIn(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error) {
	var out confirmation
	err := c.do(ctx, "check_in", http.MethodPut, "/passenger/start", nil, checkInBody{rideID, journeyID, at.Lat, at.Lon}, true, &out)
	return string(out), err
}

// DropOff returns the confirmation text; models.DropOffConfirmed on success.
func (c *Client) DropOff(ctx context.Context, rideID, journeyID models.ID, at models.Coord) (string, error) {
	var out confirmation
	err := c.do(ctx, "drop_off", http.MethodPut, "/passenger/end", nil, dropOffBody{rideID, journeyID, at.Lat, at.Lon}, true, &out)
	return string(out), err
}

// confirmation is a plain-text body, or a JSON string.
type confirmation string

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body any, authed bool, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = outcomeLabel(err)
		}
		observability.BackendCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return rideerr.Wrap(op, rideerr.ErrBackendRejected, fmt.Errorf("encode body: %w", err))
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return rideerr.Wrap(op, rideerr.ErrNetworkFailure, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain")
	if authed {
		if err := c.Auth.Authorize(req); err != nil {
			return rideerr.Wrap(op, rideerr.ErrBackendRejected, err)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Warn("backend call failed", "op", op, "error", err)
		return rideerr.Wrap(op, rideerr.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return rideerr.Wrap(op, rideerr.ErrNetworkFailure, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 500 {
		return &rideerr.Error{Op: op, Kind: rideerr.ErrNetworkFailure, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if resp.StatusCode >= 400 {
		return &rideerr.Error{Op: op, Kind: rideerr.ErrBackendRejected, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return decode(op, raw, out)
}

func decode(op string, raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if cf, ok := out.(*confirmation); ok {
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err == nil {
				*cf = confirmation(s)
				return nil
			}
		}
		*cf = confirmation(trimmed)
		return nil
	}
	// Some endpoints answer with a bare message instead of the entity.
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return rideerr.Wrap(op, rideerr.ErrNetworkFailure, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorMessage(raw []byte) string {
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &m) == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

func outcomeLabel(err error) string {
	switch rideerr.KindOf(err) {
	case rideerr.ErrNotFound:
		return "not_found"
	case rideerr.ErrBackendRejected:
		return "rejected"
	default:
		return "network_failure"
	}
}
