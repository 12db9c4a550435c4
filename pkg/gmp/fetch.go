package gmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// tempUnit is sent on usage endpoints; the portal includes weather overlays
// keyed by it.
const tempUnit = "f"

// Fetcher retrieves raw usage records for one account and normalizes them
// into a UsageSnapshot. It never retries auth failures; those are propagated
// for the poll coordinator to decide.
type Fetcher struct {
	transport Transport
	now       func() time.Time
	loc       *time.Location
}

// NewFetcher returns a Fetcher using the given transport. Hour indices in
// the normalized snapshot are local-time hours in loc; nil means the
// process's local zone.
func NewFetcher(transport Transport, loc *time.Location) *Fetcher {
	if loc == nil {
		loc = time.Local
	}
	return &Fetcher{
		transport: transport,
		now:       time.Now,
		loc:       loc,
	}
}

// usageResponse is the portal's interval payload shape for hourly, daily
// and monthly usage.
type usageResponse struct {
	Intervals []struct {
		Values []usageValue `json:"values"`
	} `json:"intervals"`
	// some endpoints flatten the values to the top level
	Values []usageValue `json:"values"`
}

// usageValue pointers stay nil when the portal omits a field; a missing
// reading must never be coerced to zero.
type usageValue struct {
	Date          string   `json:"date"`
	Consumed      *float64 `json:"consumed"`
	ConsumedTotal *float64 `json:"consumedTotal"`
	Cost          *float64 `json:"cost"`
}

func (r usageResponse) values() []usageValue {
	if len(r.Intervals) > 0 {
		return r.Intervals[0].Values
	}
	return r.Values
}

type accountStatusResponse struct {
	MeterOff        bool `json:"meterOff"`
	PartialMeterOff bool `json:"partialMeterOff"`
}

// Fetch retrieves and normalizes one snapshot for account. Today's summary
// and the account status are required; monthly, the selected day's hourly
// breakdown and EV energy are optional and stay unknown when their fetch
// fails, except an AuthError which always propagates so the session can be
// invalidated.
func (f *Fetcher) Fetch(ctx context.Context, sess Session, account types.Account, selectedDay time.Time) (types.UsageSnapshot, error) {
	start := f.now()
	snap := types.UsageSnapshot{
		AccountID:   account.ID,
		FetchedAt:   start.UTC(),
		SelectedDay: selectedDay.In(f.loc).Format("2006-01-02"),
		Status:      types.PowerStatusUnknown,
	}

	if err := f.fetchTodaySummary(ctx, sess, account.ID, &snap); err != nil {
		return types.UsageSnapshot{}, err
	}
	if err := f.fetchStatus(ctx, sess, account.ID, &snap); err != nil {
		return types.UsageSnapshot{}, err
	}

	if err := f.fetchMonthly(ctx, sess, account.ID, &snap); err != nil {
		if types.IsAuth(err) {
			return types.UsageSnapshot{}, err
		}
		log.Ctx(ctx).WarnContext(ctx, "monthly usage fetch failed", slog.String("accountID", account.ID), slog.Any("error", err))
	}
	if err := f.fetchDaily(ctx, sess, account.ID, &snap); err != nil {
		if types.IsAuth(err) {
			return types.UsageSnapshot{}, err
		}
		log.Ctx(ctx).WarnContext(ctx, "daily usage fetch failed", slog.String("accountID", account.ID), slog.Any("error", err))
	}
	if err := f.fetchSelectedDay(ctx, sess, account.ID, selectedDay, &snap); err != nil {
		if types.IsAuth(err) {
			return types.UsageSnapshot{}, err
		}
		log.Ctx(ctx).WarnContext(ctx, "selected-day usage fetch failed", slog.String("accountID", account.ID), slog.Any("error", err))
	}
	if err := f.fetchEV(ctx, sess, account.ID, &snap); err != nil {
		if types.IsAuth(err) {
			return types.UsageSnapshot{}, err
		}
		log.Ctx(ctx).WarnContext(ctx, "ev energy fetch failed", slog.String("accountID", account.ID), slog.Any("error", err))
	}

	return snap, nil
}

// fetchTodaySummary pulls the hourly intervals from local midnight to now
// and derives today's total and the last reported hour.
func (f *Fetcher) fetchTodaySummary(ctx context.Context, sess Session, accountID string, snap *types.UsageSnapshot) error {
	now := f.now().In(f.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, f.loc)

	res, err := f.getUsage(ctx, sess, "usage/"+accountID+"/hourly", dayStart, now)
	if err != nil {
		return err
	}

	var total float64
	var sawAny bool
	var last float64
	for _, v := range res.values() {
		if v.Consumed == nil {
			continue
		}
		total += *v.Consumed
		last = *v.Consumed
		sawAny = true
	}
	if sawAny {
		snap.TodayKWH = &total
		snap.LastHourKWH = &last
	}
	return nil
}

func (f *Fetcher) fetchStatus(ctx context.Context, sess Session, accountID string, snap *types.UsageSnapshot) error {
	raw, err := f.transport.Get(ctx, sess, "accounts/"+accountID+"/status", nil)
	if err != nil {
		return err
	}
	var res accountStatusResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return &types.DataError{Err: fmt.Errorf("decoding account status: %w", err)}
	}
	if res.MeterOff || res.PartialMeterOff {
		snap.Status = types.PowerStatusSuspended
	} else {
		snap.Status = types.PowerStatusActive
	}
	return nil
}

func (f *Fetcher) fetchMonthly(ctx context.Context, sess Session, accountID string, snap *types.UsageSnapshot) error {
	monthStart, monthEnd := f.monthWindow()
	res, err := f.getUsage(ctx, sess, "usage/"+accountID+"/monthly", monthStart, monthEnd)
	if err != nil {
		return err
	}

	// the monthly endpoint reports running totals; the last one wins
	for i := len(res.values()) - 1; i >= 0; i-- {
		v := res.values()[i]
		if v.ConsumedTotal != nil {
			snap.MonthKWH = v.ConsumedTotal
			return nil
		}
		if v.Consumed != nil {
			snap.MonthKWH = v.Consumed
			return nil
		}
	}
	return nil
}

// fetchDaily fills the per-day map for the current month. Days the portal
// has not reported are left absent.
func (f *Fetcher) fetchDaily(ctx context.Context, sess Session, accountID string, snap *types.UsageSnapshot) error {
	monthStart, monthEnd := f.monthWindow()
	res, err := f.getUsage(ctx, sess, "usage/"+accountID+"/daily", monthStart, monthEnd)
	if err != nil {
		return err
	}

	daily := make(map[int]float64)
	for _, v := range res.values() {
		if v.Consumed == nil {
			continue
		}
		t, err := parseValueTime(v.Date, f.loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "unparseable interval date", slog.String("date", v.Date), slog.Any("error", err))
			continue
		}
		daily[t.In(f.loc).Day()] = *v.Consumed
	}
	if len(daily) > 0 {
		snap.Daily = daily
	}
	return nil
}

// fetchSelectedDay fills the hourly map for the selected day. Hours the
// portal has not reported are left absent.
func (f *Fetcher) fetchSelectedDay(ctx context.Context, sess Session, accountID string, day time.Time, snap *types.UsageSnapshot) error {
	day = day.In(f.loc)
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, f.loc)
	dayEnd := dayStart.Add(24*time.Hour - time.Second)

	res, err := f.getUsage(ctx, sess, "usage/"+accountID+"/hourly", dayStart, dayEnd)
	if err != nil {
		return err
	}

	hourly := make(map[int]float64)
	for _, v := range res.values() {
		if v.Consumed == nil {
			continue
		}
		t, err := parseValueTime(v.Date, f.loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "unparseable interval date", slog.String("date", v.Date), slog.Any("error", err))
			continue
		}
		hourly[t.In(f.loc).Hour()] = *v.Consumed
	}
	if len(hourly) > 0 {
		snap.Hourly = hourly
	}
	return nil
}

// fetchEV pulls month-to-date EV charging energy and cost. A 404 means the
// account has no EV program and leaves snap.EV nil; a present endpoint with
// zero readings yields a present, zero-valued EV.
func (f *Fetcher) fetchEV(ctx context.Context, sess Session, accountID string, snap *types.UsageSnapshot) error {
	monthStart, monthEnd := f.monthWindow()
	params := url.Values{}
	params.Set("startDate", monthStart.Format(time.RFC3339))
	params.Set("endDate", monthEnd.Format(time.RFC3339))

	raw, err := f.transport.Get(ctx, sess, "device/account/"+accountID+"/ev/energy/daily", params)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	var res usageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return &types.DataError{Err: fmt.Errorf("decoding ev energy: %w", err)}
	}

	ev := &types.EVUsage{}
	for _, v := range res.values() {
		if v.Consumed != nil {
			ev.KWH += *v.Consumed
		}
		if v.Cost != nil {
			ev.CostDollars += *v.Cost
		}
	}
	snap.EV = ev
	return nil
}

func (f *Fetcher) getUsage(ctx context.Context, sess Session, path string, start, end time.Time) (usageResponse, error) {
	params := url.Values{}
	params.Set("startDate", start.Format(time.RFC3339))
	params.Set("endDate", end.Format(time.RFC3339))
	params.Set("temp", tempUnit)

	raw, err := f.transport.Get(ctx, sess, path, params)
	if err != nil {
		return usageResponse{}, err
	}
	var res usageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return usageResponse{}, &types.DataError{Err: fmt.Errorf("decoding %s: %w", path, err)}
	}
	return res, nil
}

func (f *Fetcher) monthWindow() (time.Time, time.Time) {
	now := f.now().In(f.loc)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, f.loc)
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return start, end
}

func parseValueTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", s, loc)
}
