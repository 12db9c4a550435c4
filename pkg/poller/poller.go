// Package poller drives periodic usage fetches per account, applying
// backoff on transient failures and escalating repeated auth failures.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/pkg/gmp"
	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/snapshot"
	"github.com/gridpulse/gridpulse/pkg/types"
)

// SessionSource supplies valid portal sessions and accepts invalidation
// reports. gmp.Provider implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (gmp.Session, error)
	Invalidate(sess gmp.Session)
}

// Discoverer returns the account set to poll.
type Discoverer interface {
	Discover(ctx context.Context) (types.Discovery, error)
}

// Fetcher retrieves one normalized snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, sess gmp.Session, account types.Account, day time.Time) (types.UsageSnapshot, error)
}

// State is the per-account poll state.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateBackingOff State = "backingOff"
	// StateEscalated means two consecutive auth failures; polling is
	// paused until a manual refresh.
	StateEscalated State = "escalated"
)

// ErrUnknownAccount is returned by commands naming an account the
// coordinator is not polling.
var ErrUnknownAccount = errors.New("unknown account")

// Coordinator schedules one poll loop per account. Fetches for different
// accounts run concurrently; each account has at most one in-flight fetch,
// and a cycle firing while one is outstanding is skipped, not queued.
type Coordinator struct {
	sessions   SessionSource
	discoverer Discoverer
	fetcher    Fetcher
	store      *snapshot.Store

	interval   time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountState
}

type accountState struct {
	account types.Account
	kick    chan struct{}

	mu          sync.Mutex
	state       State
	backoff     time.Duration
	selectedDay time.Time
	lastErr     error
}

// New returns a Coordinator. interval is the per-account cadence;
// maxBackoff caps the exponential backoff applied after transient failures.
func New(sessions SessionSource, discoverer Discoverer, fetcher Fetcher, store *snapshot.Store, interval, maxBackoff time.Duration) *Coordinator {
	return &Coordinator{
		sessions:   sessions,
		discoverer: discoverer,
		fetcher:    fetcher,
		store:      store,
		interval:   interval,
		maxBackoff: maxBackoff,
		now:        time.Now,
		accounts:   make(map[string]*accountState),
	}
}

// Run discovers the account set and polls every account until ctx is
// canceled. Transient discovery failures are retried with backoff; an empty
// or rejected discovery is fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	discovery, err := c.discoverUntilReady(ctx)
	if err != nil {
		return err
	}
	if discovery.Ambiguous() {
		log.Ctx(ctx).InfoContext(ctx, "multiple accounts discovered, polling all",
			slog.Int("count", len(discovery.Accounts)))
	}

	var wg sync.WaitGroup
	for _, account := range discovery.Accounts {
		st := c.addAccount(account)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pollAccount(ctx, st)
		}()
	}
	wg.Wait()
	return nil
}

func (c *Coordinator) discoverUntilReady(ctx context.Context) (types.Discovery, error) {
	backoff := c.interval
	for {
		discovery, err := c.discoverer.Discover(ctx)
		if err == nil {
			return discovery, nil
		}
		if !types.IsTransient(err) {
			return types.Discovery{}, fmt.Errorf("account discovery failed: %w", err)
		}
		log.Ctx(ctx).WarnContext(ctx, "account discovery failed, retrying",
			slog.Duration("backoff", backoff), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return types.Discovery{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Coordinator) addAccount(account types.Account) *accountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &accountState{
		account: account,
		kick:    make(chan struct{}, 1),
		state:   StateIdle,
	}
	c.accounts[account.ID] = st
	return st
}

// pollAccount is the per-account loop. Cycles run strictly one at a time
// per account; a manual refresh arriving mid-fetch simply schedules the
// next cycle rather than stacking fetches.
func (c *Coordinator) pollAccount(ctx context.Context, st *accountState) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var manual bool
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-st.kick:
			manual = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay := c.runCycle(ctx, st, manual)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(delay)
	}
}

// runCycle performs one acquire, fetch cycle for the account and returns
// the delay until the next one. Tests call it directly to drive state
// transitions without wall-clock timers.
func (c *Coordinator) runCycle(ctx context.Context, st *accountState, manual bool) time.Duration {
	st.mu.Lock()
	if st.state == StateEscalated && !manual {
		st.mu.Unlock()
		return c.interval
	}
	if manual {
		st.backoff = 0
	}
	st.state = StateFetching
	day := st.selectedDay
	st.mu.Unlock()

	if day.IsZero() {
		day = c.now()
	}

	start := c.now()
	snap, err := c.fetchOnce(ctx, st, day)
	fetchSeconds.WithLabelValues(st.account.ID).Observe(c.now().Sub(start).Seconds())

	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case err == nil:
		st.state = StateIdle
		st.backoff = 0
		st.lastErr = nil
		if c.store.Commit(snap) {
			lastSuccess.WithLabelValues(st.account.ID).Set(float64(snap.FetchedAt.Unix()))
		}
		fetchTotal.WithLabelValues(st.account.ID, "success").Inc()
		return c.interval

	case ctx.Err() != nil:
		// shutdown mid-fetch; the prior snapshot stays intact
		st.state = StateIdle
		return c.interval

	case types.IsAuth(err):
		// fetchOnce already invalidated and retried once
		st.state = StateEscalated
		st.lastErr = err
		c.store.SetError(st.account.ID, err)
		fetchTotal.WithLabelValues(st.account.ID, "auth").Inc()
		log.Ctx(ctx).ErrorContext(ctx, "repeated auth failure, pausing account until manual refresh",
			slog.String("accountID", st.account.ID), slog.Any("error", err))
		return c.interval

	case types.IsData(err):
		st.state = StateIdle
		st.lastErr = err
		c.store.SetError(st.account.ID, err)
		fetchTotal.WithLabelValues(st.account.ID, "data").Inc()
		log.Ctx(ctx).WarnContext(ctx, "malformed payload, skipping cycle",
			slog.String("accountID", st.account.ID), slog.Any("error", err))
		return c.interval

	default:
		// transient (or unclassified, treated conservatively as transient)
		if st.backoff == 0 {
			st.backoff = c.interval
		} else {
			st.backoff = min(st.backoff*2, c.maxBackoff)
		}
		st.state = StateBackingOff
		st.lastErr = err
		c.store.SetError(st.account.ID, err)
		fetchTotal.WithLabelValues(st.account.ID, "transient").Inc()
		backoffSeconds.WithLabelValues(st.account.ID).Set(st.backoff.Seconds())
		log.Ctx(ctx).WarnContext(ctx, "fetch failed, backing off",
			slog.String("accountID", st.account.ID),
			slog.Duration("backoff", st.backoff), slog.Any("error", err))
		return st.backoff
	}
}

// fetchOnce runs acquire→fetch, and on an auth rejection invalidates the
// session and retries the whole sequence exactly once. A second consecutive
// auth failure is returned to the caller for escalation.
func (c *Coordinator) fetchOnce(ctx context.Context, st *accountState, day time.Time) (types.UsageSnapshot, error) {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return types.UsageSnapshot{}, err
	}

	snap, err := c.fetcher.Fetch(ctx, sess, st.account, day)
	if err == nil || !types.IsAuth(err) {
		return snap, err
	}

	log.Ctx(ctx).InfoContext(ctx, "session rejected mid-fetch, re-authenticating",
		slog.String("accountID", st.account.ID))
	c.sessions.Invalidate(sess)

	sess, err = c.sessions.Acquire(ctx)
	if err != nil {
		return types.UsageSnapshot{}, err
	}
	return c.fetcher.Fetch(ctx, sess, st.account, day)
}

// ForceRefresh schedules an immediate re-poll of one account. It honors the
// one-in-flight rule: a refresh during an outstanding fetch coalesces into
// a single following cycle. A refresh also clears an escalated state.
func (c *Coordinator) ForceRefresh(accountID string) error {
	st, err := c.state(accountID)
	if err != nil {
		return err
	}
	select {
	case st.kick <- struct{}{}:
	default:
		// a refresh is already pending
	}
	return nil
}

// SetSelectedDay changes the day whose hourly breakdown is fetched for the
// account and schedules a refresh so the change is visible promptly.
func (c *Coordinator) SetSelectedDay(accountID string, day time.Time) error {
	st, err := c.state(accountID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.selectedDay = day
	st.mu.Unlock()
	return c.ForceRefresh(accountID)
}

// AccountStatus describes one account's poll loop for observability.
type AccountStatus struct {
	Account types.Account `json:"account"`
	State   State         `json:"state"`
	Backoff time.Duration `json:"backoff,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Status returns the current state of every polled account.
func (c *Coordinator) Status() []AccountStatus {
	c.mu.Lock()
	states := make([]*accountState, 0, len(c.accounts))
	for _, st := range c.accounts {
		states = append(states, st)
	}
	c.mu.Unlock()

	out := make([]AccountStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		s := AccountStatus{
			Account: st.account,
			State:   st.state,
			Backoff: st.backoff,
		}
		if st.lastErr != nil {
			s.Error = st.lastErr.Error()
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.ID < out[j].Account.ID
	})
	return out
}

func (c *Coordinator) state(accountID string) (*accountState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return st, nil
}
