// Package worker runs the periodic pipeline loops for deployments without
// an external cron. Each loop is independent; the action endpoint drives
// the same components when cron-style invocation is preferred.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/insurgrid/email-engine/internal/dispatcher"
	"github.com/insurgrid/email-engine/internal/pkg/distlock"
	"github.com/insurgrid/email-engine/internal/scheduler"
	"github.com/insurgrid/email-engine/internal/validation"
	"github.com/insurgrid/email-engine/internal/verifier"
)

const (
	// DefaultRefreshInterval is how often the projection is recomputed.
	DefaultRefreshInterval = time.Hour

	// DefaultVerifyInterval is how often the 24-hour verification queue
	// is drained.
	DefaultVerifyInterval = 15 * time.Minute

	// DefaultDispatchInterval is how often due rows are sent.
	DefaultDispatchInterval = time.Minute

	// validationHourUTC is when the daily address validation pass runs.
	validationHourUTC = 6
)

// Pool owns the loop goroutines. Start launches them; cancelling the
// context stops every loop after its current iteration.
type Pool struct {
	scheduler  *scheduler.Scheduler
	verifier   *verifier.Verifier
	dispatcher *dispatcher.Dispatcher
	validator  *validation.Runner // nil disables the daily pass
	lock       distlock.DistLock  // optional; guards refresh across replicas

	refreshInterval  time.Duration
	verifyInterval   time.Duration
	dispatchInterval time.Duration
}

func NewPool(sched *scheduler.Scheduler, ver *verifier.Verifier, disp *dispatcher.Dispatcher, validator *validation.Runner) *Pool {
	return &Pool{
		scheduler:        sched,
		verifier:         ver,
		dispatcher:       disp,
		validator:        validator,
		refreshInterval:  DefaultRefreshInterval,
		verifyInterval:   DefaultVerifyInterval,
		dispatchInterval: DefaultDispatchInterval,
	}
}

// SetLock guards the refresh loop with a distributed lock. The dedup index
// makes concurrent refreshes safe, so this only avoids duplicate work, not
// duplicate rows.
func (p *Pool) SetLock(l distlock.DistLock) { p.lock = l }

// SetIntervals overrides loop cadences; zero keeps the default.
func (p *Pool) SetIntervals(refresh, verify, dispatch time.Duration) {
	if refresh > 0 {
		p.refreshInterval = refresh
	}
	if verify > 0 {
		p.verifyInterval = verify
	}
	if dispatch > 0 {
		p.dispatchInterval = dispatch
	}
}

// Start launches all loops and blocks until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Worker] Starting (refresh=%s, verify=%s, dispatch=%s)",
		p.refreshInterval, p.verifyInterval, p.dispatchInterval)

	go p.loop(ctx, "Refresh", p.refreshInterval, p.runRefresh)
	go p.loop(ctx, "Verify", p.verifyInterval, p.runVerify)
	go p.loop(ctx, "Dispatch", p.dispatchInterval, p.runDispatch)
	if p.validator != nil {
		go p.dailyValidationLoop(ctx)
	}

	<-ctx.Done()
	log.Println("[Worker] Stopping")
}

func (p *Pool) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// One run up front so a fresh deploy does not idle a full interval.
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (p *Pool) runRefresh(ctx context.Context) {
	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Worker] Refresh lock: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := p.lock.Release(ctx); err != nil {
				log.Printf("[Worker] Release refresh lock: %v", err)
			}
		}()
	}

	res, err := p.scheduler.RefreshAll(ctx)
	if err != nil {
		log.Printf("[Worker] Refresh failed: %v", err)
		return
	}
	if res.RowsInserted > 0 || len(res.Errors) > 0 {
		log.Printf("[Worker] Refresh: %d automations, %d rows inserted, %d errors",
			res.AutomationsSeen, res.RowsInserted, len(res.Errors))
	}
}

func (p *Pool) runVerify(ctx context.Context) {
	if _, err := p.verifier.Run(ctx); err != nil {
		log.Printf("[Worker] Verify failed: %v", err)
	}
}

func (p *Pool) runDispatch(ctx context.Context) {
	if _, err := p.dispatcher.Run(ctx); err != nil {
		log.Printf("[Worker] Dispatch failed: %v", err)
	}
}

// dailyValidationLoop fires once a day at validationHourUTC.
func (p *Pool) dailyValidationLoop(ctx context.Context) {
	for {
		next := nextRunAt(time.Now().UTC(), validationHourUTC)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := p.validator.Run(ctx); err != nil {
				log.Printf("[Worker] Validation failed: %v", err)
			}
		}
	}
}

func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
