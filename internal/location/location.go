package location

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/observability"
	"github.com/example/carpool-lifecycle/internal/rideerr"
)

const DefaultTimeout = 10 * time.Second

// Provider supplies the device's current coordinates. Failures are
// rideerr.ErrPermissionDenied or rideerr.ErrLocationUnavailable.
type Provider interface {
	CurrentCoordinates(ctx context.Context) (models.Coord, error)
}

// Static always answers with the same fix, or with Err when set.
type Static struct {
	Coord models.Coord
	Err   error
}

func (s Static) CurrentCoordinates(ctx context.Context) (models.Coord, error) {
	if s.Err != nil {
		return models.Coord{}, s.Err
	}
	return s.Coord, nil
}

// Denied is a provider for sessions without location permission.
var Denied Provider = Static{Err: rideerr.New("location", rideerr.ErrPermissionDenied, "grant location permission to continue")}

type timeoutProvider struct {
	p       Provider
	timeout time.Duration
}

// WithTimeout bounds every acquisition on p. A provider that hangs past the
// deadline yields ErrLocationUnavailable.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutProvider{p: p, timeout: d}
}

func (t *timeoutProvider) CurrentCoordinates(ctx context.Context) (models.Coord, error) {
	start := time.Now()
	defer func() { observability.LocationLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		c   models.Coord
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := t.p.CurrentCoordinates(ctx)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && rideerr.KindOf(r.err) == nil {
			return models.Coord{}, rideerr.Wrap("location", rideerr.ErrLocationUnavailable, r.err)
		}
		return r.c, r.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Coord{}, rideerr.New("location", rideerr.ErrLocationUnavailable, "timed out acquiring location")
		}
		return models.Coord{}, rideerr.Wrap("location", rideerr.ErrLocationUnavailable, err)
	}
}
