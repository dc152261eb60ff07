package location

import (
	"context"

	"github.com/example/carpool-lifecycle/internal/models"
)

type coordKey struct{}

// WithCoord attaches a fix the caller already has (e.g. sent by the app
// along with a start or check-in request) to ctx.
func WithCoord(ctx context.Context, c models.Coord) context.Context {
	return context.WithValue(ctx, coordKey{}, c)
}

func coordFrom(ctx context.Context) (models.Coord, bool) {
	c, ok := ctx.Value(coordKey{}).(models.Coord)
	return c, ok
}

// Reported prefers a fix attached with WithCoord and asks Fallback
// otherwise. A nil Fallback behaves like Denied.
type Reported struct {
	Fallback Provider
}

func (r Reported) CurrentCoordinates(ctx context.Context) (models.Coord, error) {
	if c, ok := coordFrom(ctx); ok {
		return c, nil
	}
	if r.Fallback == nil {
		return Denied.CurrentCoordinates(ctx)
	}
	return r.Fallback.CurrentCoordinates(ctx)
}
