package gmp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// Manager owns the credentials and the one live session for them. All
// session state lives behind its mutex; callers only ever hold the opaque
// Session handle for the duration of a fetch.
type Manager struct {
	transport Transport
	creds     types.Credentials
	manualID  string

	mu       sync.Mutex
	sess     Session
	gen      uint64
	refresh  string
	inflight *loginAttempt
	accounts *types.Discovery

	now func() time.Time
}

// loginAttempt is a single in-flight login shared by every caller that
// arrived while it was running, so concurrent acquisition never triggers
// duplicate logins.
type loginAttempt struct {
	done chan struct{}
	sess Session
	err  error
}

// NewManager returns a Manager using the given transport and credentials.
// manualID, when non-empty, pins the account set instead of discovery.
func NewManager(transport Transport, creds types.Credentials, manualID string) *Manager {
	return &Manager{
		transport: transport,
		creds:     creds,
		manualID:  manualID,
		now:       time.Now,
	}
}

// Acquire returns a valid session, logging in if necessary. Concurrent
// callers during an in-progress login all receive the result of that single
// attempt.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.sess.Valid(m.now()) {
		sess := m.sess
		m.mu.Unlock()
		return sess, nil
	}

	if att := m.inflight; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.sess, att.err
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}

	att := &loginAttempt{done: make(chan struct{})}
	m.inflight = att
	refresh := m.refresh
	if m.sess.refreshToken != "" {
		refresh = m.sess.refreshToken
	}
	m.mu.Unlock()

	sess, err := m.login(ctx, refresh)

	m.mu.Lock()
	att.sess, att.err = sess, err
	m.inflight = nil
	if err == nil {
		m.gen++
		sess.generation = m.gen
		att.sess = sess
		m.sess = sess
		m.refresh = sess.refreshToken
		// a fresh login invalidates the cached account set
		m.accounts = nil
	}
	m.mu.Unlock()
	close(att.done)

	return att.sess, att.err
}

// login tries the refresh grant first when we have a refresh token and falls
// back to a full credential login when the grant is rejected.
func (m *Manager) login(ctx context.Context, refresh string) (Session, error) {
	if refresh != "" {
		sess, err := m.transport.Refresh(ctx, Session{refreshToken: refresh})
		if err == nil {
			return sess, nil
		}
		if !types.IsAuth(err) {
			return Session{}, err
		}
		log.Ctx(ctx).DebugContext(ctx, "refresh grant rejected, logging in fresh")
	}
	return m.transport.Login(ctx, m.creds)
}

// Invalidate reports that the portal rejected sess mid-use. The next Acquire
// performs a fresh login. A stale handle (from before a newer login) is
// ignored so it cannot clobber the current session.
func (m *Manager) Invalidate(sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.generation != m.sess.generation {
		return
	}
	m.refresh = m.sess.refreshToken
	m.sess = Session{}
}

// accountIDPattern matches provider-assigned account numbers found in
// discovery payloads and token claims.
var accountIDPattern = regexp.MustCompile(`^\d{6,}$`)

// Discover returns the account set for the credentials. With a manually
// configured account id discovery is skipped entirely. Otherwise the result
// is cached until the next fresh login. Zero accounts is a distinct error,
// and multiple accounts are returned as data for the caller to resolve.
func (m *Manager) Discover(ctx context.Context) (types.Discovery, error) {
	if m.manualID != "" {
		return types.Discovery{Accounts: []types.Account{{ID: m.manualID}}}, nil
	}

	m.mu.Lock()
	if m.accounts != nil {
		d := *m.accounts
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	sess, err := m.Acquire(ctx)
	if err != nil {
		return types.Discovery{}, err
	}

	ids := make(map[string]struct{})
	var lastErr error
	for _, path := range []string{"users/current", "accounts"} {
		raw, err := m.transport.Get(ctx, sess, path, nil)
		if err != nil {
			if types.IsAuth(err) {
				return types.Discovery{}, err
			}
			lastErr = err
			continue
		}
		var obj interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			lastErr = &types.DataError{Err: err}
			continue
		}
		mineAccountIDs(obj, 0, ids)
	}

	// the access token's JWT claims often carry the account number too
	if claims := tokenClaims(sess.accessToken); claims != nil {
		mineAccountIDs(claims, 0, ids)
	}

	if len(ids) == 0 {
		if lastErr != nil {
			return types.Discovery{}, lastErr
		}
		return types.Discovery{}, types.DiscoveryEmptyError
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	accounts := make([]types.Account, len(sorted))
	for i, id := range sorted {
		accounts[i] = types.Account{ID: id}
	}
	d := types.Discovery{Accounts: accounts}

	log.Ctx(ctx).InfoContext(ctx, "discovered accounts", slog.Int("count", len(accounts)))

	m.mu.Lock()
	m.accounts = &d
	m.mu.Unlock()
	return d, nil
}

// mineAccountIDs walks an arbitrary decoded payload collecting anything that
// looks like an account number under a known key. Depth-limited because the
// payload shape is not under our control.
func mineAccountIDs(obj interface{}, depth int, found map[string]struct{}) {
	if depth > 6 {
		return
	}
	maybeAdd := func(v interface{}) {
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			return
		}
		if accountIDPattern.MatchString(s) {
			found[s] = struct{}{}
		}
	}

	switch t := obj.(type) {
	case map[string]interface{}:
		for key, value := range t {
			switch key {
			case "accountId", "account_id", "accountNumber", "account":
				maybeAdd(value)
			}
			mineAccountIDs(value, depth+1, found)
		}
	case []interface{}:
		for _, item := range t {
			maybeAdd(item)
			mineAccountIDs(item, depth+1, found)
		}
	}
}

// tokenClaims decodes the payload of a JWT access token without verifying
// it; we only mine it for account ids.
func tokenClaims(token string) map[string]interface{} {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil
	}
	return claims
}
