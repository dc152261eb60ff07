package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-lifecycle/internal/models"
)

type Feedback string

const (
	FeedbackSuccess Feedback = "success"
	FeedbackError   Feedback = "error"
)

// Event is what the engine surfaces after an operation: a toast/alert worth
// of text, a haptic hint and, for committed transitions, from/to states.
type Event struct {
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	RideID   models.ID `json:"ride_id"`
	Role     string    `json:"role"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Feedback Feedback  `json:"feedback"`
	At       time.Time `json:"at"`
}

func NewEvent(op string, rideID models.ID, role string, fb Feedback, title, message string) Event {
	return Event{ID: uuid.NewString(), Op: op, RideID: rideID, Role: role, Title: title, Message: message, Feedback: fb, At: time.Now()}
}

// Sink receives events. Implementations must not block the caller for long
// and never fail the operation that produced the event.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Notify(ctx context.Context, e Event) {
	level := slog.LevelInfo
	if e.Feedback == FeedbackError {
		level = slog.LevelWarn
	}
	l.Logger.Log(ctx, level, e.Title, "op", e.Op, "ride_id", e.RideID, "role", e.Role, "message", e.Message, "from", e.From, "to", e.To)
}

// Multi fans out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range out {
			s.Notify(ctx, e)
		}
	})
}
