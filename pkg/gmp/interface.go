package gmp

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Session is an opaque handle to an authenticated portal session. It is
// created and owned by the Manager; other packages only pass it back into
// this package. The generation counter lets Invalidate tell a stale handle
// from the current one.
type Session struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	generation   uint64
}

// Valid reports whether the session still looks usable at time now. Sessions
// whose expiry the portal never told us are created with a conservative
// estimate, so an expired-looking session just means we log in again.
func (s Session) Valid(now time.Time) bool {
	return s.accessToken != "" && now.Before(s.expiresAt)
}

// Transport issues raw calls against the portal. It knows nothing about
// polling cadence or entity semantics; it classifies failures into the
// types error taxonomy and otherwise treats payloads as opaque.
type Transport interface {
	// Login exchanges credentials for a session.
	Login(ctx context.Context, creds types.Credentials) (Session, error)

	// Refresh exchanges a refresh token for a new session. Implementations
	// return an AuthError when the grant is rejected so the caller falls
	// back to a full login.
	Refresh(ctx context.Context, sess Session) (Session, error)

	// Get performs an authenticated GET against path and returns the raw
	// JSON payload. A 404 is reported as ErrNotFound so callers can treat
	// missing optional endpoints (like EV energy) as absent data.
	Get(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error)
}
