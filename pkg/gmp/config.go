package gmp

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridpulse/gridpulse/pkg/types"
)

// Provider bundles the session manager and fetcher once flags are parsed.
// Its methods delegate so callers can hold it before lflag.Configure runs.
type Provider struct {
	manager *Manager
	fetcher *Fetcher
}

// Configured sets up the GMP portal provider from flags.
func Configured() *Provider {
	username := lflag.RequiredString("gmp-username", "GMP portal username")
	password := lflag.RequiredString("gmp-password", "GMP portal password")
	clientID := lflag.String("gmp-client-id", "", "OAuth client id sent on the token endpoint")
	accountID := lflag.String("gmp-account-id", "", "Account id to poll, skipping discovery")
	baseURL := lflag.String("gmp-base-url", defaultBaseURL, "Base URL of the GMP API")
	timezone := lflag.String("gmp-timezone", "", "IANA time zone for hourly buckets (default: system local)")

	p := &Provider{}
	lflag.Do(func() {
		loc := time.Local
		if *timezone != "" {
			var err error
			loc, err = time.LoadLocation(*timezone)
			if err != nil {
				panic(fmt.Sprintf("invalid gmp-timezone: %v", err))
			}
		}

		client := NewClient()
		client.baseURL = *baseURL
		client.clientID = *clientID

		creds := types.Credentials{
			Username: *username,
			Password: *password,
			ClientID: *clientID,
		}
		p.manager = NewManager(client, creds, *accountID)
		p.fetcher = NewFetcher(client, loc)
	})
	return p
}

// Acquire returns a valid session, logging in if needed.
func (p *Provider) Acquire(ctx context.Context) (Session, error) {
	return p.manager.Acquire(ctx)
}

// Invalidate reports a session the portal rejected mid-use.
func (p *Provider) Invalidate(sess Session) {
	p.manager.Invalidate(sess)
}

// Discover returns the account set for the configured credentials.
func (p *Provider) Discover(ctx context.Context) (types.Discovery, error) {
	return p.manager.Discover(ctx)
}

// Fetch retrieves one normalized snapshot.
func (p *Provider) Fetch(ctx context.Context, sess Session, account types.Account, day time.Time) (types.UsageSnapshot, error) {
	return p.fetcher.Fetch(ctx, sess, account, day)
}
