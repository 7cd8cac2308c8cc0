package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/relay/internal/ledger"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/retry"
)

// Timer periodically retries compensation jobs until the deferred
// ledger credits land.
type Timer struct {
	store    Store
	ledger   BalanceAdjuster
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new compensation retry timer.
func NewTimer(store Store, l BalanceAdjuster, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		ledger:   l,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRetryPending(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRetryPending(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in compensation timer", "panic", fmt.Sprint(r))
		}
	}()
	t.RetryPending(ctx)
}

// RetryPending attempts every pending compensation job once per tick,
// with a short in-tick backoff for transient ledger errors.
func (t *Timer) RetryPending(ctx context.Context) {
	jobs, err := t.store.ListPendingJobs(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list compensation jobs", "error", err)
		return
	}

	for _, job := range jobs {
		job.Attempts++

		err := retry.Do(ctx, 3, 250*time.Millisecond, func() error {
			_, adjustErr := t.ledger.AdjustBalance(ctx, job.AccountID, job.Delta, job.Currency, job.RequestID)
			if errors.Is(adjustErr, ledger.ErrPostingLost) {
				// The balance moved; retrying would credit twice.
				return nil
			}
			return adjustErr
		})
		if err != nil {
			job.LastError = err.Error()
			if updateErr := t.store.UpdateJob(ctx, job); updateErr != nil {
				t.logger.Warn("failed to update compensation job", "job", job.ID, "error", updateErr)
			}
			metrics.CompensationRetriesTotal.WithLabelValues("failed").Inc()
			t.logger.Warn("compensation retry failed",
				"job", job.ID, "account", job.AccountID, "attempts", job.Attempts, "error", err)
			continue
		}

		now := time.Now().UTC()
		job.CompletedAt = &now
		job.LastError = ""
		if updateErr := t.store.UpdateJob(ctx, job); updateErr != nil {
			// The credit landed; a stale job row risks double-crediting on
			// the next tick, so this is the loudest failure here.
			t.logger.Error("compensation applied but job not marked complete",
				"job", job.ID, "error", updateErr)
			continue
		}
		metrics.CompensationRetriesTotal.WithLabelValues("completed").Inc()
		t.logger.Info("compensation applied",
			"job", job.ID, "account", job.AccountID, "delta", job.Delta, "requestId", job.RequestID)
	}
}
