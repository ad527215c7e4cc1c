package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLNbitsCreateInvoice(t *testing.T) {
	var gotKey string
	var gotBody lnbitsInvoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(lnbitsInvoiceResponse{
			PaymentHash:    "hash123",
			PaymentRequest: "lnbc5000n1...",
		})
	}))
	defer srv.Close()

	client := NewLNbitsClient(srv.URL, "wallet-key", time.Second)
	inv, err := client.CreateInvoice(context.Background(), 500, "escrow funding")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if gotKey != "wallet-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotBody.Out || gotBody.Amount != 500 || gotBody.Memo != "escrow funding" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if inv.Ref != "hash123" || inv.Request != "lnbc5000n1..." || inv.AmountSats != 500 {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
}

func TestLNbitsCreateInvoice_RejectsNonPositiveAmount(t *testing.T) {
	client := NewLNbitsClient("http://127.0.0.1:0", "k", time.Second)
	if _, err := client.CreateInvoice(context.Background(), 0, ""); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestLNbitsCheckPaid_SettledMillisats(t *testing.T) {
	paidAt := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/hash123" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var details lnbitsPaymentDetails
		details.Paid = true
		details.Details.Amount = -500_000
		details.Details.Time = paidAt.Unix()
		_ = json.NewEncoder(w).Encode(details)
	}))
	defer srv.Close()

	client := NewLNbitsClient(srv.URL, "k", time.Second)
	status, err := client.CheckPaid(context.Background(), "hash123")
	if err != nil {
		t.Fatalf("check paid: %v", err)
	}
	if !status.Paid || status.AmountSats != 500 {
		t.Fatalf("expected paid 500 sats, got %+v", status)
	}
	if !status.PaidAt.Equal(paidAt) {
		t.Fatalf("expected paid at %s, got %s", paidAt, status.PaidAt)
	}
}

func TestLNbitsCheckPaid_UnknownInvoiceIsUnpaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewLNbitsClient(srv.URL, "k", time.Second)
	status, err := client.CheckPaid(context.Background(), "missing")
	if err != nil {
		t.Fatalf("check paid: %v", err)
	}
	if status.Paid {
		t.Fatalf("expected unpaid status, got %+v", status)
	}
}

func TestLNbitsPayout_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"insufficient balance"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewLNbitsClient(srv.URL, "k", time.Second)
	res, err := client.Payout(context.Background(), "lnbc...", 500)
	if err == nil {
		t.Fatal("expected payout error")
	}
	if !errors.Is(err, ErrRailUnavailable) {
		t.Fatalf("expected rail unavailable, got %v", err)
	}
	if res.Success {
		t.Fatalf("payout must not report success: %+v", res)
	}
}
