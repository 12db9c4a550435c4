package gmp

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/gridpulse/pkg/types"
)

var (
	fetchNow    = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	selectedDay = time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
)

func testFetcher(mock *MockTransport) *Fetcher {
	f := NewFetcher(mock, time.UTC)
	f.now = func() time.Time { return fetchNow }
	return f
}

// usageGetFunc dispatches the shared hourly endpoint on its startDate param
// so today's summary and the selected day can return different payloads.
func usageGetFunc(today, day, monthly, daily, status, ev string) func(context.Context, Session, string, url.Values) (json.RawMessage, error) {
	return func(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
		switch path {
		case "usage/100001/hourly":
			if params.Get("startDate") == "2026-03-08T00:00:00Z" {
				return json.RawMessage(day), nil
			}
			return json.RawMessage(today), nil
		case "usage/100001/monthly":
			return json.RawMessage(monthly), nil
		case "usage/100001/daily":
			return json.RawMessage(daily), nil
		case "accounts/100001/status":
			return json.RawMessage(status), nil
		case "device/account/100001/ev/energy/daily":
			if ev == "" {
				return nil, ErrNotFound
			}
			return json.RawMessage(ev), nil
		}
		return nil, &types.TransientError{}
	}
}

func TestFetcherFetch(t *testing.T) {
	account := types.Account{ID: "100001"}

	t.Run("Normalizes", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(
			`{"intervals":[{"values":[{"date":"2026-03-10T13:00:00Z","consumed":1.5},{"date":"2026-03-10T14:00:00Z","consumed":2.25}]}]}`,
			`{"values":[{"date":"2026-03-08T09:00:00Z","consumed":0.5},{"date":"2026-03-08T10:00:00Z","consumed":1.0}]}`,
			`{"intervals":[{"values":[{"date":"2026-03-01T00:00:00Z","consumedTotal":321.5}]}]}`,
			`{"values":[{"date":"2026-03-01T00:00:00Z","consumed":20.5},{"date":"2026-03-09T00:00:00Z","consumed":18.0}]}`,
			`{"meterOff":false,"partialMeterOff":false}`,
			`{"intervals":[{"values":[{"date":"2026-03-02T00:00:00Z","consumed":12.0,"cost":1.8}]}]}`,
		)

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)

		assert.Equal(t, "100001", snap.AccountID)
		assert.Equal(t, fetchNow, snap.FetchedAt)
		assert.Equal(t, "2026-03-08", snap.SelectedDay)
		require.NotNil(t, snap.TodayKWH)
		assert.Equal(t, 3.75, *snap.TodayKWH)
		require.NotNil(t, snap.LastHourKWH)
		assert.Equal(t, 2.25, *snap.LastHourKWH)
		require.NotNil(t, snap.MonthKWH)
		assert.Equal(t, 321.5, *snap.MonthKWH)
		assert.Equal(t, types.PowerStatusActive, snap.Status)
		require.NotNil(t, snap.EV)
		assert.Equal(t, 12.0, snap.EV.KWH)
		assert.Equal(t, 1.8, snap.EV.CostDollars)

		v, ok := snap.HourlyKWH(9)
		assert.True(t, ok)
		assert.Equal(t, 0.5, v)

		d, ok := snap.DailyKWH(9)
		assert.True(t, ok)
		assert.Equal(t, 18.0, d)
		_, ok = snap.DailyKWH(5)
		assert.False(t, ok, "a day the portal never reported must stay absent")
	})

	t.Run("UnreportedHourStaysAbsent", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(
			`{"values":[{"date":"2026-03-10T08:00:00Z","consumed":1.0}]}`,
			`{"values":[{"date":"2026-03-08T13:00:00Z","consumed":1.1},{"date":"2026-03-08T15:00:00Z","consumed":1.3}]}`,
			`{}`,
			`{}`,
			`{"meterOff":false}`,
			"",
		)

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)

		_, ok := snap.HourlyKWH(14)
		assert.False(t, ok, "an hour the portal never reported must stay absent, not zero")
		v, ok := snap.HourlyKWH(15)
		assert.True(t, ok)
		assert.Equal(t, 1.3, v)
	})

	t.Run("NoReadingsMeansUnknownNotZero", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(`{"intervals":[{"values":[]}]}`, `{}`, `{}`, `{}`, `{"meterOff":false}`, "")

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)
		assert.Nil(t, snap.TodayKWH)
		assert.Nil(t, snap.LastHourKWH)
		assert.Nil(t, snap.MonthKWH)
		assert.Nil(t, snap.Hourly)
		assert.Nil(t, snap.Daily)
	})

	t.Run("MeterOffSuspends", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(`{}`, `{}`, `{}`, `{}`, `{"meterOff":true}`, "")

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)
		assert.Equal(t, types.PowerStatusSuspended, snap.Status)
	})

	t.Run("NoEVProgramLeavesEVNil", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(`{}`, `{}`, `{}`, `{}`, `{"meterOff":false}`, "")

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)
		assert.Nil(t, snap.EV, "a 404 on the ev endpoint means no program enrolled")
	})

	t.Run("EVPresentWithZeroReadings", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = usageGetFunc(`{}`, `{}`, `{}`, `{}`, `{"meterOff":false}`, `{"values":[]}`)

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err)
		require.NotNil(t, snap.EV, "an enrolled account with no charging yet still has EV data")
		assert.Zero(t, snap.EV.KWH)
		assert.Zero(t, snap.EV.CostDollars)
	})

	t.Run("StatusFailureFailsFetch", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = func(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
			if path == "accounts/100001/status" {
				return nil, &types.TransientError{}
			}
			return json.RawMessage(`{}`), nil
		}

		_, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		assert.True(t, types.IsTransient(err))
	})

	t.Run("OptionalFailureLeavesFieldUnknown", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = func(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
			switch path {
			case "usage/100001/monthly", "usage/100001/daily":
				return nil, &types.TransientError{}
			case "accounts/100001/status":
				return json.RawMessage(`{"meterOff":false}`), nil
			case "device/account/100001/ev/energy/daily":
				return nil, ErrNotFound
			}
			return json.RawMessage(`{"values":[{"date":"2026-03-10T08:00:00Z","consumed":1.0}]}`), nil
		}

		snap, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		require.NoError(t, err, "a failed optional fetch must not fail the snapshot")
		assert.Nil(t, snap.MonthKWH)
		assert.Nil(t, snap.Daily)
		require.NotNil(t, snap.TodayKWH)
	})

	t.Run("AuthFailureOnOptionalPropagates", func(t *testing.T) {
		mock := NewMockTransport()
		mock.GetFunc = func(ctx context.Context, sess Session, path string, params url.Values) (json.RawMessage, error) {
			if path == "usage/100001/monthly" {
				return nil, &types.AuthError{Reason: "token expired"}
			}
			if path == "accounts/100001/status" {
				return json.RawMessage(`{"meterOff":false}`), nil
			}
			return json.RawMessage(`{}`), nil
		}

		_, err := testFetcher(mock).Fetch(context.Background(), Session{}, account, selectedDay)
		assert.True(t, types.IsAuth(err), "auth rejection anywhere must surface for invalidation")
	})
}
