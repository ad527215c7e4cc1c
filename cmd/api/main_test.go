package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/intrinsicinvestment91/bitagent/auth"
	"github.com/intrinsicinvestment91/bitagent/directory"
	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/escrow"
	"github.com/intrinsicinvestment91/bitagent/payment"
	"github.com/intrinsicinvestment91/bitagent/trust"
)

type stubEscrowService struct {
	txn        escrow.Transaction
	invoice    payment.Invoice
	disputeRec dispute.Dispute
	err        error
}

func (s *stubEscrowService) Create(_ context.Context, _ escrow.CreateParams) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) Query(_ context.Context, _ string) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) RequestInvoice(_ context.Context, _ string) (payment.Invoice, error) {
	return s.invoice, s.err
}

func (s *stubEscrowService) ConfirmFunding(_ context.Context, _ string) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) Approve(_ context.Context, _, _ string) error { return s.err }

func (s *stubEscrowService) MarkConditionMet(_ context.Context, _, _, _ string) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) Release(_ context.Context, _ string) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) Refund(_ context.Context, _, _ string) (escrow.Transaction, error) {
	return s.txn, s.err
}

func (s *stubEscrowService) Dispute(_ context.Context, _, _, _ string) (dispute.Dispute, error) {
	return s.disputeRec, s.err
}

type stubDisputeService struct {
	record   dispute.Dispute
	evidence []dispute.Evidence
	one      dispute.Evidence
	err      error
}

func (s *stubDisputeService) Get(_ context.Context, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Evidence(_ context.Context, _ string) ([]dispute.Evidence, error) {
	return s.evidence, s.err
}

func (s *stubDisputeService) SubmitEvidence(_ context.Context, _, _, _ string) (dispute.Evidence, error) {
	return s.one, s.err
}

func (s *stubDisputeService) AssignArbitrator(_ context.Context, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Rule(_ context.Context, _, _ string, _ dispute.Ruling) (dispute.Dispute, error) {
	return s.record, s.err
}

type stubAgentService struct {
	agent     directory.Agent
	providers []directory.Provider
	err       error
}

func (s *stubAgentService) Register(_ context.Context, _ directory.RegisterParams) (directory.Agent, error) {
	return s.agent, s.err
}

func (s *stubAgentService) Get(_ context.Context, _ string) (directory.Agent, error) {
	return s.agent, s.err
}

func (s *stubAgentService) SetPayoutAddress(_ context.Context, _, _ string) error { return s.err }

func (s *stubAgentService) ListProviders(_ context.Context, _ string, _ int) ([]directory.Provider, error) {
	return s.providers, s.err
}

type stubTrustService struct {
	record trust.Record
	err    error
}

func (s *stubTrustService) Query(_ context.Context, _ string) (trust.Record, error) {
	return s.record, s.err
}

type stubTokenService struct {
	token string
	agent string
	role  auth.Role
	err   error
}

func (s *stubTokenService) Exchange(_ context.Context, _ string) (string, error) {
	return s.token, s.err
}

func (s *stubTokenService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.agent, s.role, s.err
}

func asAgent(req *http.Request, agentID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, agentID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func TestHandleEscrowDetail_Success(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	server := &Server{
		escrowService: &stubEscrowService{
			txn: escrow.Transaction{
				ID:         "esc-1",
				Payer:      "alice",
				Payee:      "bob",
				AmountSats: 5000,
				FeeSats:    50,
				Status:     escrow.StatusFunded,
				CreatedAt:  now,
				FundedAt:   &now,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "esc-1" || resp.Status != "funded" || resp.AmountSats != 5000 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.FundedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected fundedAt %s, got %s", now.Format(time.RFC3339), resp.FundedAt)
	}
}

func TestHandleEscrowDetail_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/missing", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleEscrowDetail_MissingID(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEscrowDetail_WrongMethod(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := httptest.NewRequest(http.MethodDelete, "/api/escrows/esc-1", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_FraudRejected(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrFraudRejected}}

	body := strings.NewReader(`{"payee":"bob","amountSats":5000}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", body)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_InvalidAmount(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrInvalidAmount}}

	body := strings.NewReader(`{"payee":"bob","amountSats":0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", body)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRelease_ConditionsNotMet(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrConditionsNotMet}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/release", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleConfirm_PaymentMismatch(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrPaymentMismatch}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/confirm", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestHandleApprove_RequiresOperator(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/approve", nil)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleDispute_Created(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		escrowService: &stubEscrowService{
			disputeRec: dispute.Dispute{
				ID:           "dsp-1",
				EscrowID:     "esc-1",
				Payer:        "alice",
				Payee:        "bob",
				OpenedBy:     "alice",
				Phase:        dispute.PhaseEvidenceCollection,
				WindowEndsAt: now.Add(48 * time.Hour),
				OpenedAt:     now,
			},
		},
	}

	body := strings.NewReader(`{"reason":"deliverable missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/dispute", body)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "dsp-1" || resp.Phase != "evidence_collection" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleSubmitEvidence_WindowClosed(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{err: dispute.ErrWindowClosed}}

	body := strings.NewReader(`{"payloadRef":"sha256:abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/dsp-1/evidence", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, asAgent(req, "bob", auth.RoleAgent))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRule_RequiresArbitratorRole(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := strings.NewReader(`{"outcome":"favor_payee"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/dsp-1/rule", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRule_SplitOutcome(t *testing.T) {
	share := 2500
	server := &Server{
		disputeService: &stubDisputeService{
			record: dispute.Dispute{
				ID:       "dsp-1",
				EscrowID: "esc-1",
				Phase:    dispute.PhaseEnforced,
				Ruling:   &dispute.Ruling{Outcome: dispute.OutcomeSplit, PayeeShareBps: share},
			},
		},
	}

	body := strings.NewReader(`{"outcome":"split","payeeShareBps":2500}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/dsp-1/rule", body)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, asAgent(req, "carol", auth.RoleArbitrator))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Outcome != "split" || resp.PayeeShareBps != share {
		t.Fatalf("unexpected ruling payload: %+v", resp)
	}
}

func TestHandleToken_InvalidCredentials(t *testing.T) {
	server := &Server{authService: &stubTokenService{err: auth.ErrInvalidCredentials}}

	body := strings.NewReader(`{"apiKey":"ba_bogus_key"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", body)
	rec := httptest.NewRecorder()

	server.handleToken(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleToken_Success(t *testing.T) {
	server := &Server{authService: &stubTokenService{token: "jwt-token"}}

	body := strings.NewReader(`{"apiKey":"ba_id_secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", body)
	rec := httptest.NewRecorder()

	server.handleToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["token"] != "jwt-token" {
		t.Fatalf("unexpected token payload: %+v", payload)
	}
}

func TestRequireAuth_MissingHeader(t *testing.T) {
	server := &Server{authService: &stubTokenService{}}
	called := false

	handler := server.requireAuth(func(http.ResponseWriter, *http.Request) { called = true })
	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatal("handler should not run without credentials")
	}
}

func TestRequireAuth_PropagatesIdentity(t *testing.T) {
	server := &Server{authService: &stubTokenService{agent: "alice", role: auth.RoleAgent}}

	var gotID string
	var gotRole auth.Role
	handler := server.requireAuth(func(_ http.ResponseWriter, r *http.Request) {
		gotID = callerID(r)
		gotRole = callerRole(r)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if gotID != "alice" || gotRole != auth.RoleAgent {
		t.Fatalf("expected identity alice/agent, got %s/%s", gotID, gotRole)
	}
}

func TestHandleProviders_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		agentService: &stubAgentService{
			providers: []directory.Provider{
				{Agent: directory.Agent{ID: "a1", Name: "Compute Co", Services: []string{"compute"}, CreatedAt: now}, Trust: 0.8},
				{Agent: directory.Agent{ID: "a2", Name: "Storage Co", Services: []string{"compute"}, CreatedAt: now}, Trust: 0.5},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/providers?service=compute&limit=2", nil)
	rec := httptest.NewRecorder()

	server.handleProviders(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []providerResponse `json:"items"`
		Total int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Total != 2 || payload.Items[0].Agent.ID != "a1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleProviders_MissingService(t *testing.T) {
	server := &Server{agentService: &stubAgentService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	rec := httptest.NewRecorder()

	server.handleProviders(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTrust_Success(t *testing.T) {
	server := &Server{
		trustService: &stubTrustService{
			record: trust.Record{
				AgentID:   "bob",
				Composite: 0.72,
				Components: map[trust.Dimension]trust.Stat{
					trust.DimensionServiceQuality: {Observations: 4, Total: 3.2, Decayed: 0.8},
				},
				LastUpdated: time.Now().UTC(),
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trust/bob", nil)
	rec := httptest.NewRecorder()

	server.handleTrust(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp trustResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AgentID != "bob" || resp.Composite != 0.72 || len(resp.Components) != 1 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleAgentDetail_PatchForbiddenForOtherAgent(t *testing.T) {
	server := &Server{agentService: &stubAgentService{}}

	body := strings.NewReader(`{"payoutAddress":"lnurl-new"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/agents/bob", body)
	rec := httptest.NewRecorder()

	server.handleAgentDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAgentDetail_UnexpectedError(t *testing.T) {
	server := &Server{agentService: &stubAgentService{err: errors.New("boom")}}

	req := httptest.NewRequest(http.MethodGet, "/api/agents/bob", nil)
	rec := httptest.NewRecorder()

	server.handleAgentDetail(rec, asAgent(req, "alice", auth.RoleAgent))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
