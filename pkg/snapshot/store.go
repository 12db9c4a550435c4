// Package snapshot holds the last-known-good usage snapshot per account so
// consumers always have a value even when a poll cycle fails.
package snapshot

import (
	"sort"
	"sync"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Store is a thread-safe map from account id to the latest committed
// UsageSnapshot, plus the last error when the most recent cycle failed.
// Reads never block on an in-flight fetch; writers commit whole snapshots
// atomically.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]types.UsageSnapshot
	errs  map[string]error
	subs  []func(types.UsageSnapshot)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		snaps: make(map[string]types.UsageSnapshot),
		errs:  make(map[string]error),
	}
}

// Latest returns the most recently committed snapshot for the account, or
// false when no fetch has succeeded yet.
func (s *Store) Latest(accountID string) (types.UsageSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[accountID]
	return snap, ok
}

// LastError returns the error from the most recent cycle, or nil when it
// succeeded.
func (s *Store) LastError(accountID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[accountID]
}

// All returns every committed snapshot ordered by account id.
func (s *Store) All() []types.UsageSnapshot {
	s.mu.RLock()
	snaps := make([]types.UsageSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		snaps = append(snaps, snap)
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].AccountID < snaps[j].AccountID
	})
	return snaps
}

// Commit stores snap if it is strictly newer (by fetch-start time) than what
// is already held, clears the account's last error, and notifies
// subscribers. It reports whether the snapshot was accepted; a stale or
// equal-timestamp snapshot is dropped so data never rolls backwards.
func (s *Store) Commit(snap types.UsageSnapshot) bool {
	s.mu.Lock()
	prev, ok := s.snaps[snap.AccountID]
	if ok && !snap.FetchedAt.After(prev.FetchedAt) {
		s.mu.Unlock()
		return false
	}
	s.snaps[snap.AccountID] = snap
	delete(s.errs, snap.AccountID)
	subs := s.subs
	s.mu.Unlock()

	// notify outside the lock so a slow subscriber can't block readers
	for _, fn := range subs {
		fn(snap)
	}
	return true
}

// SetError records that the most recent cycle for the account failed. The
// committed snapshot, if any, is left untouched.
func (s *Store) SetError(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[accountID] = err
}

// Subscribe registers fn to be called with every committed snapshot. All
// registrations must happen before polling starts.
func (s *Store) Subscribe(fn func(types.UsageSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
