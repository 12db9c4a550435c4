package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/gridpulse/pkg/gmp"
	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/poller"
	"github.com/gridpulse/gridpulse/pkg/snapshot"
	"github.com/gridpulse/gridpulse/pkg/types"
)

type staticSessions struct{}

func (staticSessions) Acquire(ctx context.Context) (gmp.Session, error) { return gmp.Session{}, nil }
func (staticSessions) Invalidate(sess gmp.Session)                      {}

type staticDiscoverer struct{ accounts []types.Account }

func (d staticDiscoverer) Discover(ctx context.Context) (types.Discovery, error) {
	return types.Discovery{Accounts: d.accounts}, nil
}

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, sess gmp.Session, account types.Account, day time.Time) (types.UsageSnapshot, error) {
	today := 7.5
	return types.UsageSnapshot{
		AccountID: account.ID,
		FetchedAt: time.Now(),
		TodayKWH:  &today,
		Status:    types.PowerStatusActive,
	}, nil
}

// startTestServer spins up a coordinator polling one fake account and
// returns the HTTP handler over it, once the first snapshot has landed.
func startTestServer(t *testing.T) (http.Handler, *snapshot.Store) {
	t.Helper()

	store := snapshot.NewStore()
	c := poller.New(
		staticSessions{},
		staticDiscoverer{accounts: []types.Account{{ID: "100001"}}},
		staticFetcher{},
		store,
		time.Hour, time.Hour,
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := store.Latest("100001")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "first poll cycle should commit")

	s := &Server{store: store, coordinator: c}
	return s.handler(), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.NewDecoder(w.Body).Decode(out))
	}
	return w
}

func TestWriteJSONLogsWithRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("requestID", "req-1"))
	ctx := log.With(context.Background(), logger)

	// a channel can't be encoded, forcing the failure path
	writeJSON(ctx, httptest.NewRecorder(), http.StatusOK, make(chan int))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["requestID"], "encode failures must use the request's logger")
}

func TestSnapshotsEndpoint(t *testing.T) {
	h, _ := startTestServer(t)

	var all []types.UsageSnapshot
	w := doJSON(t, h, "GET", "/api/snapshots", "", &all)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, all, 1)
	assert.Equal(t, "100001", all[0].AccountID)
	require.NotNil(t, all[0].TodayKWH)
	assert.Equal(t, 7.5, *all[0].TodayKWH)
}

func TestSnapshotEndpoint(t *testing.T) {
	h, store := startTestServer(t)

	t.Run("Found", func(t *testing.T) {
		var res struct {
			Snapshot  *types.UsageSnapshot `json:"snapshot"`
			LastError string               `json:"lastError"`
		}
		w := doJSON(t, h, "GET", "/api/snapshots/100001", "", &res)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, res.Snapshot)
		assert.Equal(t, "100001", res.Snapshot.AccountID)
		assert.Empty(t, res.LastError)
	})

	t.Run("StaleDataCarriesError", func(t *testing.T) {
		store.SetError("100001", &types.TransientError{})
		defer store.SetError("100001", nil)

		var res struct {
			Snapshot  *types.UsageSnapshot `json:"snapshot"`
			LastError string               `json:"lastError"`
		}
		w := doJSON(t, h, "GET", "/api/snapshots/100001", "", &res)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, res.Snapshot, "stale snapshot still served")
		assert.NotEmpty(t, res.LastError)
	})

	t.Run("Unknown", func(t *testing.T) {
		w := doJSON(t, h, "GET", "/api/snapshots/999999", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := startTestServer(t)

	var status []poller.AccountStatus
	w := doJSON(t, h, "GET", "/api/status", "", &status)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, status, 1)
	assert.Equal(t, "100001", status[0].Account.ID)
	assert.Equal(t, poller.StateIdle, status[0].State)
}

func TestRefreshEndpoint(t *testing.T) {
	h, _ := startTestServer(t)

	w := doJSON(t, h, "POST", "/api/refresh/100001", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, h, "POST", "/api/refresh/999999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectDayEndpoint(t *testing.T) {
	h, _ := startTestServer(t)

	t.Run("Accepted", func(t *testing.T) {
		day := time.Now().AddDate(0, 0, -2).Format("2006-01-02")
		w := doJSON(t, h, "POST", "/api/day/100001", `{"day":"`+day+`"}`, nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("BadFormat", func(t *testing.T) {
		w := doJSON(t, h, "POST", "/api/day/100001", `{"day":"yesterday"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("TooOld", func(t *testing.T) {
		day := time.Now().AddDate(0, 0, -60).Format("2006-01-02")
		w := doJSON(t, h, "POST", "/api/day/100001", `{"day":"`+day+`"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Future", func(t *testing.T) {
		day := time.Now().AddDate(0, 0, 2).Format("2006-01-02")
		w := doJSON(t, h, "POST", "/api/day/100001", `{"day":"`+day+`"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		day := time.Now().AddDate(0, 0, -2).Format("2006-01-02")
		w := doJSON(t, h, "POST", "/api/day/999999", `{"day":"`+day+`"}`, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
