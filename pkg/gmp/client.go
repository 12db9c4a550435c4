package gmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridpulse/gridpulse/pkg/common"
	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/types"
)

const (
	defaultBaseURL = "https://api.greenmountainpower.com/api/v2"

	// gmpSource is sent on every request; the portal rejects calls
	// without it.
	gmpSource = "web"

	tokenPath = "applications/token"

	// tokenExpirySkew is subtracted from the portal's expires_in so we
	// refresh before the token actually dies mid-fetch.
	tokenExpirySkew = time.Minute

	// defaultTokenTTL is the conservative expiry estimate used when the
	// portal omits expires_in entirely.
	defaultTokenTTL = 30 * time.Minute
)

// ErrNotFound is returned by Get for a 404. Callers use it to tell "this
// account has no EV program" apart from a real failure.
var ErrNotFound = errors.New("not found")

// Client is the HTTP transport to the GMP portal. It implements Transport
// and holds no session state; the Manager owns sessions.
type Client struct {
	client  *http.Client
	baseURL string
	// clientID goes on every token grant; the portal may reject a refresh
	// grant that omits it.
	clientID string
	now      func() time.Time
}

// NewClient returns a Client talking to the production portal.
func NewClient() *Client {
	return &Client{
		client:  common.HTTPClient(time.Minute),
		baseURL: defaultBaseURL,
		now:     time.Now,
	}
}

type tokenResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    *float64 `json:"expires_in"`
}

// Login exchanges credentials for a fresh session.
func (c *Client) Login(ctx context.Context, creds types.Credentials) (Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return Session{}, &types.AuthError{Reason: "missing username or password"}
	}

	data := url.Values{}
	data.Set("username", creds.Username)
	data.Set("password", creds.Password)
	id := creds.ClientID
	if id == "" {
		id = c.clientID
	}
	if id != "" {
		data.Set("client_id", id)
	}

	sess, err := c.postToken(ctx, tokenPath+"?remember_me=true", data)
	if err != nil {
		return Session{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "gmp login success")
	return sess, nil
}

// Refresh exchanges the session's refresh token for a new session. A session
// without a refresh token gets an AuthError so the caller falls back to a
// full login.
func (c *Client) Refresh(ctx context.Context, sess Session) (Session, error) {
	if sess.refreshToken == "" {
		return Session{}, &types.AuthError{Reason: "no refresh token"}
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", sess.refreshToken)
	if c.clientID != "" {
		data.Set("client_id", c.clientID)
	}

	next, err := c.postToken(ctx, tokenPath, data)
	if err != nil {
		return Session{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "gmp token refresh success")
	return next, nil
}

func (c *Client) postToken(ctx context.Context, endpoint string, data url.Values) (Session, error) {
	req, err := c.newRequest(ctx, "POST", endpoint, nil, strings.NewReader(data.Encode()))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return Session{}, &types.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Session{}, &types.AuthError{Reason: "credentials rejected"}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Session{}, &types.TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var res tokenResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Session{}, &types.DataError{Err: fmt.Errorf("decoding token response: %w", err)}
	}
	return c.parseTokens(ctx, res)
}

func (c *Client) parseTokens(ctx context.Context, res tokenResult) (Session, error) {
	if res.AccessToken == "" {
		return Session{}, &types.AuthError{Reason: "token response missing access_token"}
	}

	ttl := defaultTokenTTL
	if res.ExpiresIn != nil {
		ttl = time.Duration(*res.ExpiresIn * float64(time.Second))
		if ttl > tokenExpirySkew {
			ttl -= tokenExpirySkew
		}
	} else {
		log.Ctx(ctx).DebugContext(ctx, "token response missing expires_in, assuming conservative expiry",
			slog.Duration("ttl", ttl))
	}

	return Session{
		accessToken:  res.AccessToken,
		refreshToken: res.RefreshToken,
		expiresAt:    c.now().Add(ttl),
	}, nil
}

// Get performs an authenticated GET and returns the raw payload. The caller
// decides what fields to extract; the payload shape is provider-specific.
func (c *Client) Get(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, "GET", path, params, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &types.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &types.AuthError{Reason: "session rejected"}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &types.TransientError{Err: fmt.Errorf("status %d for %s: %s", resp.StatusCode, path, body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.TransientError{Err: err}
	}
	return json.RawMessage(body), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	// endpoint may carry its own query (the login path does)
	var extra string
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		extra = endpoint[i+1:]
		endpoint = endpoint[:i]
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	} else {
		u.RawQuery = extra
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("GMP-Source", gmpSource)
	return req, nil
}
