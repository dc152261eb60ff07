package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/lifecycle"
	"github.com/example/carpool-lifecycle/internal/location"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/rideerr"
	"github.com/example/carpool-lifecycle/internal/storage"
)

// RideCatalog lists and publishes rides for the signed-in user.
// *backend.Client implements it.
type RideCatalog interface {
	OfferRide(ctx context.Context, offer models.RideOffer) (models.Ride, error)
	SearchRides(ctx context.Context, at models.Coord) ([]models.Ride, error)
	ScheduledRides(ctx context.Context, driverID models.ID) ([]models.Ride, error)
	DriverRideHistory(ctx context.Context, driverID models.ID) ([]models.Ride, error)
	PassengerRideHistory(ctx context.Context, passengerID models.ID) ([]models.RideRequest, error)
}

// CatalogFactory returns the catalog acting for ac.
type CatalogFactory func(ac auth.Context) RideCatalog

type Server struct {
	Sessions *Sessions
	Catalog  CatalogFactory
	Hub      *notify.Hub
	Journal  storage.JournalStore
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(sessions *Sessions, catalog CatalogFactory, hub *notify.Hub, journal storage.JournalStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Sessions: sessions, Catalog: catalog, Hub: hub, Journal: journal, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/rides/{id}", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	// list routes first: "/{role}/rides/{id}" would match them too
	api.HandleFunc("/{role:driver}/rides", s.handleOffer).Methods("POST")
	api.HandleFunc("/{role:driver}/rides/scheduled", s.driverRides(RideCatalog.ScheduledRides)).Methods("GET")
	api.HandleFunc("/{role:driver}/rides/history", s.driverRides(RideCatalog.DriverRideHistory)).Methods("GET")
	api.HandleFunc("/{role:passenger}/rides/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/{role:passenger}/rides/history", s.handlePassengerHistory).Methods("GET")

	api.HandleFunc("/{role}/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/{role}/rides/{id}/refresh", s.handleGetRide).Methods("POST")
	api.HandleFunc("/{role}/rides/{id}/transitions", s.handleTransitions).Methods("GET")
	api.HandleFunc("/{role}/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/{role}/rides/{id}/end", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.EndRide(ctx)
	})).Methods("POST")

	api.HandleFunc("/{role:driver}/rides/{id}/requests", s.handleRequests).Methods("GET")
	api.HandleFunc("/{role:driver}/rides/{id}/requests/{requestId}/accept", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.AcceptRequest(ctx, models.RideRequest{ID: models.ID(mux.Vars(r)["requestId"])})
	})).Methods("POST")
	api.HandleFunc("/{role:driver}/rides/{id}/requests/{requestId}/reject", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.RejectRequest(ctx, models.RideRequest{ID: models.ID(mux.Vars(r)["requestId"])})
	})).Methods("POST")
	api.HandleFunc("/{role:driver}/rides/{id}/passengers/{journeyId}/checkin", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.CheckIn(ctx, models.ID(mux.Vars(r)["journeyId"]))
	})).Methods("POST")
	api.HandleFunc("/{role:driver}/rides/{id}/passengers/{journeyId}/dropoff", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.DropOff(ctx, models.ID(mux.Vars(r)["journeyId"]))
	})).Methods("POST")

	api.HandleFunc("/{role:passenger}/rides/{id}/join", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.JoinRide(ctx)
	})).Methods("POST")
	api.HandleFunc("/{role:passenger}/rides/{id}/cancel", s.command(func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error {
		return e.CancelRequest(ctx)
	})).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// commandBody is the optional JSON body of a command. The app sends its own
// fix with location-bound commands when it has one.
type commandBody struct {
	OTP       string   `json:"otp"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func readCommandBody(r *http.Request) (commandBody, error) {
	var b commandBody
	if r.Body == nil {
		return b, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return b, err
	}
	return b, nil
}

func (b commandBody) context(ctx context.Context) context.Context {
	if b.Latitude == nil || b.Longitude == nil {
		return ctx
	}
	return location.WithCoord(ctx, models.Coord{Lat: *b.Latitude, Lon: *b.Longitude})
}

// engineFor resolves the session engine for the request's role, ride and
// caller. It writes the error response itself when it returns false.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*lifecycle.Engine, string, bool) {
	vars := mux.Vars(r)
	role, err := lifecycle.ParseRole(vars["role"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return nil, "", false
	}
	ac, err := auth.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error(), "")
		return nil, "", false
	}
	e, topic, err := s.Sessions.Get(role, models.ID(vars["id"]), ac)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return nil, "", false
	}
	return e, topic, true
}

// caller reads the auth context and the id the role's list routes need.
func (s *Server) caller(w http.ResponseWriter, r *http.Request, role lifecycle.Role) (auth.Context, models.ID, bool) {
	ac, err := auth.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error(), "")
		return auth.Context{}, "", false
	}
	id := viewerOf(role, ac)
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s id is required", role), "")
		return auth.Context{}, "", false
	}
	return ac, id, true
}

// seed opens sessions for listed rides that are still running, so the
// ride screen starts from the row the app tapped.
func (s *Server) seed(ctx context.Context, role lifecycle.Role, ac auth.Context, rides []models.Ride) {
	for _, ride := range rides {
		if ride.ID == "" || ride.Status == models.RideCompleted {
			continue
		}
		if _, err := s.Sessions.Seed(role, ride, ac); err != nil {
			loggerFrom(ctx, s.logger).Warn("seed session", "ride_id", ride.ID, "error", err)
		}
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	ac, driverID, ok := s.caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var offer models.RideOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "")
		return
	}
	if offer.Driver == nil {
		offer.Driver = &models.Ref{ID: driverID}
	}
	offer, err := offer.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	ride, err := s.Catalog(ac).OfferRide(r.Context(), offer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ride.ID == "" {
		writeJSON(w, http.StatusCreated, map[string]any{"ride": ride})
		return
	}
	e, err := s.Sessions.Seed(lifecycle.RoleDriver, ride, ac)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, e.State())
}

func (s *Server) driverRides(list func(RideCatalog, context.Context, models.ID) ([]models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, driverID, ok := s.caller(w, r, lifecycle.RoleDriver)
		if !ok {
			return
		}
		rides, err := list(s.Catalog(ac), r.Context(), driverID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		s.seed(r.Context(), lifecycle.RoleDriver, ac, rides)
		writeJSON(w, http.StatusOK, map[string]any{"rides": nonNil(rides)})
	}
}

// handleSearch lists joinable rides near the given point. Results are not
// seeded; the passenger opens one ride at a time.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ac, _, ok := s.caller(w, r, lifecycle.RolePassenger)
	if !ok {
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required", "")
		return
	}
	rides, err := s.Catalog(ac).SearchRides(r.Context(), models.Coord{Lat: lat, Lon: lon})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": nonNil(rides)})
}

func (s *Server) handlePassengerHistory(w http.ResponseWriter, r *http.Request) {
	ac, passengerID, ok := s.caller(w, r, lifecycle.RolePassenger)
	if !ok {
		return
	}
	reqs, err := s.Catalog(ac).PassengerRideHistory(r.Context(), passengerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if reqs == nil {
		reqs = []models.RideRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func nonNil(rides []models.Ride) []models.Ride {
	if rides == nil {
		return []models.Ride{}
	}
	return rides
}

func (s *Server) command(run func(ctx context.Context, e *lifecycle.Engine, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, _, ok := s.engineFor(w, r)
		if !ok {
			return
		}
		body, err := readCommandBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "")
			return
		}
		if err := run(body.context(r.Context()), e, r); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e.State())
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	e, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	st, err := e.Refresh(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	e, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	reqs, err := e.FetchPendingRequests(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	e, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	body, err := readCommandBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "")
		return
	}
	ctx := body.context(r.Context())
	if e.Role() == lifecycle.RolePassenger {
		if body.OTP == "" {
			writeError(w, http.StatusBadRequest, "otp is required", "")
			return
		}
		err = e.StartRideWithOTP(ctx, body.OTP)
	} else {
		err = e.StartRide(ctx)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"transitions": []storage.Transition{}})
		return
	}
	ts, err := s.Journal.ListByRide(r.Context(), models.ID(mux.Vars(r)["id"]))
	if err != nil {
		loggerFrom(r.Context(), s.logger).Error("list transitions", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": ts})
}

// handleWS streams every State of the caller's session. The current state
// is sent first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	e, topic, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		loggerFrom(r.Context(), s.logger).Warn("websocket upgrade failed", "error", err)
		return
	}
	if err := conn.WriteJSON(e.State()); err != nil {
		_ = conn.Close()
		return
	}
	unsubscribe := s.Hub.Add(topic, conn)
	go func() {
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rideerr.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, rideerr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, rideerr.ErrLocationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, rideerr.ErrBackendRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rideerr.ErrNetworkFailure):
		return http.StatusBadGateway
	case errors.Is(err, rideerr.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind := ""
	if k := rideerr.KindOf(err); k != nil {
		kind = k.Error()
	}
	writeError(w, statusFor(err), rideerr.Message(err), kind)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	body := map[string]string{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
