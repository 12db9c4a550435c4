package gmp

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// MockTransport is an in-memory Transport used by tests across packages.
// Each hook can be overridden; the defaults succeed with canned data.
type MockTransport struct {
	mu        sync.Mutex
	logins    int
	refreshes int
	gets      []string

	LoginFunc   func(ctx context.Context, creds types.Credentials) (Session, error)
	RefreshFunc func(ctx context.Context, sess Session) (Session, error)
	GetFunc     func(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error)
}

// NewMockTransport returns a MockTransport whose default login yields a
// session valid for an hour.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Login(ctx context.Context, creds types.Credentials) (Session, error) {
	m.mu.Lock()
	m.logins++
	m.mu.Unlock()
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, creds)
	}
	return Session{
		accessToken: "mock-token",
		expiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (m *MockTransport) Refresh(ctx context.Context, sess Session) (Session, error) {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, sess)
	}
	return Session{}, &types.AuthError{Reason: "mock has no refresh grant"}
}

func (m *MockTransport) Get(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
	m.mu.Lock()
	m.gets = append(m.gets, path)
	m.mu.Unlock()
	if m.GetFunc != nil {
		return m.GetFunc(ctx, sess, path, params)
	}
	return json.RawMessage(`{}`), nil
}

// Logins returns how many Login calls were made.
func (m *MockTransport) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

// Refreshes returns how many Refresh calls were made.
func (m *MockTransport) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// Gets returns the paths requested so far.
func (m *MockTransport) Gets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.gets...)
}
