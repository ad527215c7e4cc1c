package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/escrow"
)

// Lifecycle creates escrows, funds them through the rail and publishes the
// funded ids for the contending actors to fight over.
func Lifecycle(ctx context.Context, mgr *escrow.Manager, payer, payee string, funded chan<- string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(100 + rand.Intn(100_000))
		txn, err := mgr.Create(ctx, escrow.CreateParams{
			Payer: payer, Payee: payee, AmountSats: amount, FeeSats: -1,
		})
		if err != nil {
			// Fraud holds and blocks are expected under random amounts.
			if errors.Is(err, escrow.ErrFraudRejected) {
				continue
			}
			return fmt.Errorf("lifecycle create: %w", err)
		}
		if txn.Hold {
			if err := mgr.Approve(ctx, txn.ID, "stress-operator"); err != nil && !errors.Is(err, escrow.ErrInvalidTransition) {
				return fmt.Errorf("lifecycle approve: %w", err)
			}
		}
		if _, err := mgr.RequestInvoice(ctx, txn.ID); err != nil {
			return fmt.Errorf("lifecycle invoice: %w", err)
		}
		if _, err := mgr.ConfirmFunding(ctx, txn.ID); err != nil {
			if errors.Is(err, escrow.ErrApprovalRequired) || errors.Is(err, escrow.ErrPaymentMismatch) {
				continue
			}
			return fmt.Errorf("lifecycle fund: %w", err)
		}

		select {
		case funded <- txn.ID:
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Contender races a release against a dispute on the same funded escrow.
// Exactly one side wins the row lock; the loser must observe an invalid
// transition, never a double spend.
func Contender(ctx context.Context, mgr *escrow.Manager, payer string, funded <-chan string, stop <-chan struct{}) error {
	for {
		var id string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case id = <-funded:
		}

		errCh := make(chan error, 2)
		go func() {
			_, err := mgr.Release(ctx, id)
			errCh <- err
		}()
		go func() {
			_, err := mgr.Dispute(ctx, id, payer, "contended outcome")
			errCh <- err
		}()
		for i := 0; i < 2; i++ {
			if err := <-errCh; err != nil {
				if errors.Is(err, escrow.ErrInvalidTransition) || errors.Is(err, escrow.ErrConditionsNotMet) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("contender: %w", err)
			}
		}
	}
}

// Arbitration walks open disputes through assignment and a random ruling.
func Arbitration(ctx context.Context, resolver *dispute.Resolver, pool *pgxpool.Pool, stop <-chan struct{}) error {
	outcomes := []dispute.Ruling{
		{Outcome: dispute.OutcomeFavorPayer},
		{Outcome: dispute.OutcomeFavorPayee},
		{Outcome: dispute.OutcomeSplit, PayeeShareBps: 5000},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
			SELECT id FROM disputes WHERE phase='evidence_collection' ORDER BY opened_at LIMIT 1
		`).Scan(&id)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		d, err := resolver.AssignArbitrator(ctx, id)
		if err != nil {
			if errors.Is(err, dispute.ErrInvalidPhase) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("arbitration assign: %w", err)
		}
		if d.Phase != dispute.PhaseArbitratorAssigned || d.Arbitrator == nil {
			continue
		}
		ruling := outcomes[rand.Intn(len(outcomes))]
		if _, err := resolver.Rule(ctx, d.ID, *d.Arbitrator, ruling); err != nil {
			if errors.Is(err, dispute.ErrInvalidPhase) || errors.Is(err, dispute.ErrNotAssignedArbitrator) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("arbitration rule: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Sweeper runs the timeout sweep continuously so it contends with the other
// actors for the same row locks.
func Sweeper(ctx context.Context, mgr *escrow.Manager, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := mgr.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them published.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT id FROM outbox WHERE published_at IS NULL
			ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10
		`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
