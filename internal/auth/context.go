package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/carpool-lifecycle/internal/models"
)

var ErrMissingToken = errors.New("no authentication token")

// Context is the explicit session handed to the backend client and the
// engine: the bearer token plus the ids the API calls need.
type Context struct {
	Token       string
	Username    string
	UserID      models.ID
	PassengerID models.ID
	DriverID    models.ID
	ExpiresAt   time.Time
}

// FromToken builds a Context from a bearer token. When the token is a JWT
// its subject and expiry are read without verifying the signature; the
// backend remains the only verifier. Opaque tokens are accepted as-is.
func FromToken(token string) (Context, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Context{}, ErrMissingToken
	}
	c := Context{Token: token}
	if strings.Count(token, ".") != 2 {
		return c, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Context{}, fmt.Errorf("parse token: %w", err)
	}
	if sub, err := claims.GetSubject(); err == nil {
		c.Username = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func (c Context) WithPassenger(id models.ID) Context {
	c.PassengerID = id
	return c
}

func (c Context) WithDriver(id models.ID) Context {
	c.DriverID = id
	return c
}

// Expired reports whether the token carries an expiry that is already past.
func (c Context) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Authorize sets the bearer header on req.
func (c Context) Authorize(req *http.Request) error {
	if c.Token == "" {
		return ErrMissingToken
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	return nil
}

// FromRequest reads the Authorization header and the X-User-Id,
// X-Passenger-Id and X-Driver-Id headers set by the app.
func FromRequest(r *http.Request) (Context, error) {
	c, err := FromToken(r.Header.Get("Authorization"))
	if err != nil {
		return Context{}, err
	}
	c.UserID = models.ID(r.Header.Get("X-User-Id"))
	c.PassengerID = models.ID(r.Header.Get("X-Passenger-Id"))
	c.DriverID = models.ID(r.Header.Get("X-Driver-Id"))
	return c, nil
}
