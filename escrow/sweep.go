package escrow

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const sweepBatchSize = 100

// RunSweeper drives the timeout sweep on the configured interval until the
// context is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("timeout sweep", "err", err)
			}
		}
	}
}

// Sweep runs one pass of the three time-driven reconciliations: cancelling
// stale unfunded escrows, picking up invoices that were paid without a
// confirmation call, and releasing funded escrows whose conditions are met
// and whose dispute window has lapsed. Each action goes through the ordinary
// manager operations, so it takes the same row locks and is idempotent under
// concurrent sweeps.
func (m *Manager) Sweep(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.sweepUnfunded(ctx) })
	g.Go(func() error { return m.sweepPendingFunding(ctx) })
	g.Go(func() error { return m.sweepReleasable(ctx) })
	return g.Wait()
}

func (m *Manager) sweepUnfunded(ctx context.Context) error {
	cutoff := m.nowFn().Add(-m.cfg.FundingWindow.Duration)
	ids, err := m.store.ListUnfundedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.Refund(ctx, id, "funding window elapsed"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			m.log.Error("sweep cancel unfunded", "escrow_id", id, "err", err)
			continue
		}
		m.metrics.SweepActions.WithLabelValues("cancel_unfunded").Inc()
	}
	return ctx.Err()
}

// sweepPendingFunding reconciles invoices paid out-of-band: the payer settled
// the invoice but never called back to confirm.
func (m *Manager) sweepPendingFunding(ctx context.Context) error {
	ids, err := m.store.ListPendingFunding(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.ConfirmFunding(ctx, id); err != nil {
			// Unpaid invoices and held escrows are expected here.
			if errors.Is(err, ErrPaymentMismatch) || errors.Is(err, ErrApprovalRequired) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			m.log.Error("sweep reconcile funding", "escrow_id", id, "err", err)
			continue
		}
		m.metrics.SweepActions.WithLabelValues("reconcile_funding").Inc()
	}
	return ctx.Err()
}

func (m *Manager) sweepReleasable(ctx context.Context) error {
	cutoff := m.nowFn().Add(-m.cfg.ReleaseWindow.Duration)
	ids, err := m.store.ListReleasableBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.Release(ctx, id); err != nil {
			// Escrows with unmet manual conditions stay funded; disputes
			// that won the race leave the escrow out of reach.
			if errors.Is(err, ErrConditionsNotMet) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			m.log.Error("sweep auto release", "escrow_id", id, "err", err)
			continue
		}
		m.metrics.SweepActions.WithLabelValues("auto_release").Inc()
	}
	return ctx.Err()
}
