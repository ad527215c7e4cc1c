package escrow

import (
	"context"
	"testing"
	"time"
)

func TestSweepCancelsStaleUnfunded(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	txn, _ := h.manager.Create(ctx, CreateParams{Payer: "alice", Payee: "bob", AmountSats: 1000})

	h.manager.SetNowFunc(func() time.Time { return testNow.Add(25 * time.Hour) })
	if err := h.manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := h.store.Get(ctx, txn.ID)
	if got.Status != StatusRefunded {
		t.Errorf("expected stale escrow refunded, got %s", got.Status)
	}
	if got.RefundReason == nil || *got.RefundReason != "funding window elapsed" {
		t.Errorf("expected funding-window reason, got %v", got.RefundReason)
	}
	if len(h.rail.payouts) != 0 {
		t.Errorf("expected no payout for unfunded cancellation")
	}
}

func TestSweepReconcilesExternallyPaidInvoice(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	txn, _ := h.manager.Create(ctx, CreateParams{Payer: "alice", Payee: "bob", AmountSats: 1000})
	if _, err := h.manager.RequestInvoice(ctx, txn.ID); err != nil {
		t.Fatalf("request invoice: %v", err)
	}

	// The payer settled the invoice but never called to confirm.
	h.rail.paid = true
	h.rail.paidAmount = 1000
	if err := h.manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := h.store.Get(ctx, txn.ID)
	if got.Status != StatusFunded {
		t.Errorf("expected reconciled escrow funded, got %s", got.Status)
	}
}

func TestSweepSkipsUnpaidInvoice(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	txn, _ := h.manager.Create(ctx, CreateParams{Payer: "alice", Payee: "bob", AmountSats: 1000})
	h.manager.RequestInvoice(ctx, txn.ID)

	h.rail.paid = false
	if err := h.manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := h.store.Get(ctx, txn.ID)
	if got.Status != StatusCreated {
		t.Errorf("expected unpaid escrow untouched, got %s", got.Status)
	}
}

func TestSweepAutoReleasesAfterWindow(t *testing.T) {
	h := newTestManager(t)
	txn := h.funded(t)
	ctx := context.Background()

	h.manager.SetNowFunc(func() time.Time { return testNow.Add(73 * time.Hour) })
	if err := h.manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := h.store.Get(ctx, txn.ID)
	if got.Status != StatusReleased {
		t.Errorf("expected auto-release after window, got %s", got.Status)
	}
	if len(h.rail.payouts) != 1 || h.rail.payouts[0].amount != 990 {
		t.Errorf("expected 990 sat payout, got %+v", h.rail.payouts)
	}
}

func TestSweepLeavesUnmetConditionsAlone(t *testing.T) {
	h := newTestManager(t)
	txn := h.funded(t, "delivery_confirmed")
	ctx := context.Background()

	h.manager.SetNowFunc(func() time.Time { return testNow.Add(73 * time.Hour) })
	if err := h.manager.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := h.store.Get(ctx, txn.ID)
	if got.Status != StatusFunded {
		t.Errorf("expected escrow with unmet condition to stay funded, got %s", got.Status)
	}
}

func TestPayoutRetriesThenSucceeds(t *testing.T) {
	h := newTestManager(t)
	txn := h.funded(t)
	h.rail.payoutFailures = 2 // first two attempts fail, third lands

	if _, err := h.manager.Release(context.Background(), txn.ID); err != nil {
		t.Fatalf("release with transient failures: %v", err)
	}
	if len(h.rail.payouts) != 1 {
		t.Errorf("expected one successful payout, got %d", len(h.rail.payouts))
	}
}
