package types

import "time"

// Credentials holds the GMP portal login. Immutable for the lifetime of the
// process and never logged.
type Credentials struct {
	Username string `json:"-"`
	Password string `json:"-"`
	// ClientID is the OAuth client id the portal expects on the token
	// endpoint. The web portal's id is used when none is configured.
	ClientID string `json:"-"`
}

// Account is a single billing/service account on the portal.
type Account struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Discovery is the result of account discovery after a successful login.
// When more than one account is found the ambiguity is returned as data for
// the caller to resolve, never resolved here.
type Discovery struct {
	Accounts []Account `json:"accounts"`
}

// Ambiguous reports whether the caller has to pick between multiple accounts.
func (d Discovery) Ambiguous() bool {
	return len(d.Accounts) > 1
}

// PowerStatus is the account/power state reported by the portal.
type PowerStatus string

const (
	PowerStatusActive    PowerStatus = "active"
	PowerStatusSuspended PowerStatus = "suspended"
	PowerStatusUnknown   PowerStatus = "unknown"
)

// EVUsage is the month-to-date EV charging consumption and cost. A present
// EVUsage with zero values means the portal reported zeros; an account with
// no EV program has a nil *EVUsage on the snapshot instead.
type EVUsage struct {
	KWH         float64 `json:"kwh"`
	CostDollars float64 `json:"costDollars"`
}

// UsageSnapshot is the normalized result of one successful usage fetch for
// one account. Numeric fields are pointers because a missing upstream value
// means "unknown", which is materially different from zero usage.
type UsageSnapshot struct {
	AccountID string `json:"accountID"`
	// FetchedAt is the UTC fetch-start time. The snapshot store only accepts
	// strictly newer snapshots so a stale retry can never roll data
	// backwards, and consumers infer staleness from it.
	FetchedAt time.Time `json:"fetchedAt"`

	TodayKWH    *float64 `json:"todayKWH,omitempty"`
	LastHourKWH *float64 `json:"lastHourKWH,omitempty"`
	MonthKWH    *float64 `json:"monthKWH,omitempty"`

	// Hourly is the selected day's breakdown keyed by local-time hour 0-23.
	// Hours the portal has not reported (current/future hours, gaps) are
	// absent from the map, never padded with zeros.
	Hourly      map[int]float64 `json:"hourly,omitempty"`
	SelectedDay string          `json:"selectedDay,omitempty"`

	// Daily is the current month's per-day breakdown keyed by day of
	// month 1-31, with unreported days absent like Hourly.
	Daily map[int]float64 `json:"daily,omitempty"`

	Status PowerStatus `json:"status"`
	EV     *EVUsage    `json:"ev,omitempty"`
}

// HourlyKWH returns the usage for the given local hour of the selected day
// and whether the portal reported it.
func (s UsageSnapshot) HourlyKWH(hour int) (float64, bool) {
	v, ok := s.Hourly[hour]
	return v, ok
}

// DailyKWH returns the usage for the given day of the current month and
// whether the portal reported it.
func (s UsageSnapshot) DailyKWH(day int) (float64, bool) {
	v, ok := s.Daily[day]
	return v, ok
}
