package poller

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridpulse/gridpulse/pkg/gmp"
	"github.com/gridpulse/gridpulse/pkg/snapshot"
)

// Configured sets up the poll coordinator from flags.
func Configured(provider *gmp.Provider, store *snapshot.Store) *Coordinator {
	interval := lflag.Duration("poll-interval", 5*time.Minute, "How often to poll each account")
	maxBackoff := lflag.Duration("poll-max-backoff", time.Hour, "Ceiling for the backoff applied after transient failures")

	c := New(provider, provider, provider, store, 5*time.Minute, time.Hour)
	lflag.Do(func() {
		c.interval = *interval
		c.maxBackoff = *maxBackoff
	})
	return c
}
