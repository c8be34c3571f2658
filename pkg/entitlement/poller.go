// Package entitlement provides a client-side reconciliation poller for the
// entitlement read API.
//
// Webhook-driven writes land a few seconds after the command that caused
// them, so a client that refetches only on demand can show stale state
// right when the user is watching. The Poller bridges that gap: it
// refetches on a fixed interval, on explicit triggers (app foreground),
// and at two increasing delays after a command completes, while keeping a
// short staleness window so redundant triggers do not hammer the API.
package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"shoplist/internal/types"
)

// Fetcher retrieves the caller's current entitlement record.
type Fetcher interface {
	Fetch(ctx context.Context) (*types.EntitlementRecord, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context) (*types.EntitlementRecord, error)

func (f FetchFunc) Fetch(ctx context.Context) (*types.EntitlementRecord, error) {
	return f(ctx)
}

// Config controls poller timing. Zero values fall back to the defaults.
type Config struct {
	// Interval is the fixed background refetch period.
	Interval time.Duration

	// Staleness is how long a fetched record is considered fresh.
	// Triggers arriving inside the window are served from the cached
	// record instead of hitting the API.
	Staleness time.Duration

	// NudgeDelays are the re-check delays scheduled after a command
	// completes, covering the typical webhook processing latency.
	NudgeDelays []time.Duration
}

const (
	defaultInterval  = 60 * time.Second
	defaultStaleness = 10 * time.Second
)

// defaultNudgeDelays absorbs the usual command-to-webhook lag: one quick
// check, then a slower one in case event processing is backed up.
var defaultNudgeDelays = []time.Duration{3 * time.Second, 15 * time.Second}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Staleness <= 0 {
		c.Staleness = defaultStaleness
	}
	if len(c.NudgeDelays) == 0 {
		c.NudgeDelays = defaultNudgeDelays
	}
	return c
}

// Poller periodically refetches the entitlement record and notifies an
// optional callback when the record changes. All methods are safe for
// concurrent use; overlapping refreshes collapse into a single fetch.
type Poller struct {
	fetcher  Fetcher
	cfg      Config
	logger   *slog.Logger
	onUpdate func(*types.EntitlementRecord)

	group singleflight.Group

	mu        sync.Mutex
	current   *types.EntitlementRecord
	fetchedAt time.Time
	timers    []*time.Timer
	started   bool
	stopped   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithOnUpdate registers a callback invoked whenever a refetch observes a
// record different from the cached one. The callback runs on the
// refreshing goroutine and must not block.
func WithOnUpdate(fn func(*types.EntitlementRecord)) Option {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a Poller. Call Start to begin the background loop;
// Refresh and NudgeAfterCommand work with or without the loop running.
func NewPoller(fetcher Fetcher, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the fixed-interval background loop. It performs an
// immediate first fetch so Current is populated early. Start returns
// after spawning the loop; calling it twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the background loop and cancels pending nudge timers.
// Further calls are no-ops, as is Stop before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

// Current returns the most recently fetched record, or nil before the
// first successful fetch.
func (p *Poller) Current() *types.EntitlementRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Refresh fetches the record now, bypassing the staleness window. Used
// for event triggers like the app coming to the foreground.
func (p *Poller) Refresh(ctx context.Context) (*types.EntitlementRecord, error) {
	return p.refresh(ctx, true)
}

// NudgeAfterCommand schedules re-checks at the configured increasing
// delays. Called after a subscription command completes so the poller
// picks up the webhook-reconciled state shortly after the optimistic
// snapshot.
func (p *Poller) NudgeAfterCommand(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, delay := range p.cfg.NudgeDelays {
		timer := time.AfterFunc(delay, func() {
			if _, err := p.refresh(ctx, true); err != nil {
				p.logger.WarnContext(ctx, "post-command entitlement re-check failed",
					slog.Any("error", err),
				)
			}
		})
		p.timers = append(p.timers, timer)
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	if _, err := p.refresh(ctx, false); err != nil {
		p.logger.WarnContext(ctx, "initial entitlement fetch failed",
			slog.Any("error", err),
		)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.refresh(ctx, false); err != nil {
				p.logger.WarnContext(ctx, "entitlement poll failed",
					slog.Any("error", err),
				)
			}
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}
	}
}

// refresh fetches the record unless the cached one is still inside the
// staleness window. Concurrent callers share one in-flight fetch.
func (p *Poller) refresh(ctx context.Context, force bool) (*types.EntitlementRecord, error) {
	if !force {
		p.mu.Lock()
		fresh := p.current != nil && time.Since(p.fetchedAt) < p.cfg.Staleness
		cached := p.current
		p.mu.Unlock()
		if fresh {
			return cached, nil
		}
	}

	v, err, _ := p.group.Do("entitlement", func() (any, error) {
		rec, err := p.fetcher.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.store(rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.EntitlementRecord), nil
}

// store swaps in the fetched record and fires the update callback when
// the entitlement state actually changed.
func (p *Poller) store(rec *types.EntitlementRecord) {
	p.mu.Lock()
	prev := p.current
	p.current = rec
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	if p.onUpdate != nil && !recordsEqual(prev, rec) {
		p.onUpdate(rec)
	}
}

// recordsEqual compares the fields a client observes. LastEventAt and
// UpdatedAt are deliberately excluded: a webhook that re-confirms the
// same state bumps the stamps without changing anything visible.
func recordsEqual(a, b *types.EntitlementRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UserID == b.UserID &&
		a.StripeSubscriptionID == b.StripeSubscriptionID &&
		a.RawStatus == b.RawStatus &&
		a.DisplayStatus == b.DisplayStatus &&
		a.AccessGranted == b.AccessGranted &&
		a.Plan == b.Plan &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd)
}
