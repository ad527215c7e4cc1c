package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intrinsicinvestment91/bitagent/auth"
	"github.com/intrinsicinvestment91/bitagent/directory"
	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/escrow"
	"github.com/intrinsicinvestment91/bitagent/payment"
	"github.com/intrinsicinvestment91/bitagent/trust"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// The service interfaces mirror the slice of each domain service the handlers
// actually call, so tests can drive them with small stubs.

type escrowService interface {
	Create(ctx context.Context, p escrow.CreateParams) (escrow.Transaction, error)
	Query(ctx context.Context, id string) (escrow.Transaction, error)
	RequestInvoice(ctx context.Context, id string) (payment.Invoice, error)
	ConfirmFunding(ctx context.Context, id string) (escrow.Transaction, error)
	Approve(ctx context.Context, id, approver string) error
	MarkConditionMet(ctx context.Context, id, name, actor string) (escrow.Transaction, error)
	Release(ctx context.Context, id string) (escrow.Transaction, error)
	Refund(ctx context.Context, id, reason string) (escrow.Transaction, error)
	Dispute(ctx context.Context, id, openedBy, reason string) (dispute.Dispute, error)
}

type disputeService interface {
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
	Evidence(ctx context.Context, disputeID string) ([]dispute.Evidence, error)
	SubmitEvidence(ctx context.Context, disputeID, submitter, payloadRef string) (dispute.Evidence, error)
	AssignArbitrator(ctx context.Context, disputeID string) (dispute.Dispute, error)
	Rule(ctx context.Context, disputeID, arbitratorID string, ruling dispute.Ruling) (dispute.Dispute, error)
}

type agentService interface {
	Register(ctx context.Context, p directory.RegisterParams) (directory.Agent, error)
	Get(ctx context.Context, id string) (directory.Agent, error)
	SetPayoutAddress(ctx context.Context, id, address string) error
	ListProviders(ctx context.Context, service string, limit int) ([]directory.Provider, error)
}

type trustService interface {
	Query(ctx context.Context, agentID string) (trust.Record, error)
}

type tokenService interface {
	Exchange(ctx context.Context, plaintext string) (string, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

// Server routes HTTP traffic to the domain services.
type Server struct {
	escrowService  escrowService
	disputeService disputeService
	agentService   agentService
	trustService   trustService
	authService    tokenService
	log            *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/auth/token", s.handleToken)
	mux.HandleFunc("/api/agents", s.requireAuth(s.handleAgents))
	mux.HandleFunc("/api/agents/", s.requireAuth(s.handleAgentDetail))
	mux.HandleFunc("/api/providers", s.requireAuth(s.handleProviders))
	mux.HandleFunc("/api/trust/", s.requireAuth(s.handleTrust))
	mux.HandleFunc("/api/escrows", s.requireAuth(s.handleEscrows))
	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	return mux
}

// requireAuth exchanges the bearer token for the caller's identity and role.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		agentID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, agentID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		writeJSONError(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	token, err := s.authService.Exchange(r.Context(), body.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name          string   `json:"name"`
		PayoutAddress string   `json:"payoutAddress"`
		Services      []string `json:"services"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	agent, err := s.agentService.Register(r.Context(), directory.RegisterParams{
		Name:          body.Name,
		PayoutAddress: body.PayoutAddress,
		Services:      body.Services,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		agent, err := s.agentService.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "agent not found")
				return
			}
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgentResponse(agent))
	case http.MethodPatch:
		if callerID(r) != id && callerRole(r) != auth.RoleOperator {
			writeJSONError(w, http.StatusForbidden, "cannot modify another agent")
			return
		}
		var body struct {
			PayoutAddress string `json:"payoutAddress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PayoutAddress == "" {
			writeJSONError(w, http.StatusBadRequest, "payoutAddress is required")
			return
		}
		if err := s.agentService.SetPayoutAddress(r.Context(), id, body.PayoutAddress); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "agent not found")
				return
			}
			s.internalError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	service := r.URL.Query().Get("service")
	if service == "" {
		writeJSONError(w, http.StatusBadRequest, "service is required")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	providers, err := s.agentService.ListProviders(r.Context(), service, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	items := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		items = append(items, providerResponse{Agent: toAgentResponse(p.Agent), Trust: p.Trust})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/trust/"), "/")
	if agentID == "" {
		writeJSONError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	record, err := s.trustService.Query(r.Context(), agentID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrustResponse(record))
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Payee      string   `json:"payee"`
		AmountSats int64    `json:"amountSats"`
		FeeSats    *int64   `json:"feeSats"`
		Conditions []string `json:"conditions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	fee := int64(-1)
	if body.FeeSats != nil {
		fee = *body.FeeSats
	}
	txn, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		Payer:      callerID(r),
		Payee:      body.Payee,
		AmountSats: body.AmountSats,
		FeeSats:    fee,
		Conditions: body.Conditions,
	})
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrSameParty):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, escrow.ErrFraudRejected):
			writeJSONError(w, http.StatusUnprocessableEntity, "transaction rejected by risk checks")
		default:
			s.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(txn))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/escrows/"), "/")
	if rest == "" {
		writeJSONError(w, http.StatusBadRequest, "escrow id is required")
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		txn, err := s.escrowService.Query(r.Context(), id)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(txn))
		return
	}

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch {
	case action == "invoice":
		inv, err := s.escrowService.RequestInvoice(r.Context(), id)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, invoiceResponse{
			Ref:        inv.Ref,
			Request:    inv.Request,
			AmountSats: inv.AmountSats,
			CreatedAt:  inv.CreatedAt.Format(time.RFC3339),
		})
	case action == "confirm":
		txn, err := s.escrowService.ConfirmFunding(r.Context(), id)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(txn))
	case action == "approve":
		if callerRole(r) != auth.RoleOperator {
			writeJSONError(w, http.StatusForbidden, "operator role required")
			return
		}
		if err := s.escrowService.Approve(r.Context(), id, callerID(r)); err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(action, "conditions/"):
		name := strings.TrimPrefix(action, "conditions/")
		if name == "" {
			writeJSONError(w, http.StatusBadRequest, "condition name is required")
			return
		}
		txn, err := s.escrowService.MarkConditionMet(r.Context(), id, name, callerID(r))
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(txn))
	case action == "release":
		txn, err := s.escrowService.Release(r.Context(), id)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(txn))
	case action == "refund":
		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		txn, err := s.escrowService.Refund(r.Context(), id, body.Reason)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowResponse(txn))
	case action == "dispute":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid body")
			return
		}
		d, err := s.escrowService.Dispute(r.Context(), id, callerID(r), body.Reason)
		if err != nil {
			s.writeEscrowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(d))
	default:
		writeJSONError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if rest == "" {
		writeJSONError(w, http.StatusBadRequest, "dispute id is required")
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d, err := s.disputeService.Get(r.Context(), id)
		if err != nil {
			s.writeDisputeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
		return
	}

	switch {
	case action == "evidence" && r.Method == http.MethodGet:
		items, err := s.disputeService.Evidence(r.Context(), id)
		if err != nil {
			s.writeDisputeError(w, r, err)
			return
		}
		out := make([]evidenceResponse, 0, len(items))
		for _, e := range items {
			out = append(out, toEvidenceResponse(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
	case action == "evidence" && r.Method == http.MethodPost:
		var body struct {
			PayloadRef string `json:"payloadRef"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PayloadRef == "" {
			writeJSONError(w, http.StatusBadRequest, "payloadRef is required")
			return
		}
		e, err := s.disputeService.SubmitEvidence(r.Context(), id, callerID(r), body.PayloadRef)
		if err != nil {
			s.writeDisputeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEvidenceResponse(e))
	case action == "assign" && r.Method == http.MethodPost:
		if callerRole(r) != auth.RoleOperator {
			writeJSONError(w, http.StatusForbidden, "operator role required")
			return
		}
		d, err := s.disputeService.AssignArbitrator(r.Context(), id)
		if err != nil {
			s.writeDisputeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case action == "rule" && r.Method == http.MethodPost:
		if callerRole(r) != auth.RoleArbitrator {
			writeJSONError(w, http.StatusForbidden, "arbitrator role required")
			return
		}
		var body struct {
			Outcome       string `json:"outcome"`
			PayeeShareBps int    `json:"payeeShareBps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Outcome == "" {
			writeJSONError(w, http.StatusBadRequest, "outcome is required")
			return
		}
		d, err := s.disputeService.Rule(r.Context(), id, callerID(r), dispute.Ruling{
			Outcome:       dispute.Outcome(body.Outcome),
			PayeeShareBps: body.PayeeShareBps,
		})
		if err != nil {
			s.writeDisputeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "escrow not found")
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrConditionsNotMet),
		errors.Is(err, escrow.ErrApprovalRequired):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrPaymentMismatch):
		writeJSONError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, escrow.ErrPayoutFailed):
		writeJSONError(w, http.StatusBadGateway, "payout failed, escrow remains funded")
	case errors.Is(err, directory.ErrNoPayoutAddress):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) writeDisputeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, dispute.ErrInvalidPhase):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrNotAssignedArbitrator):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispute.ErrInvalidRuling):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrNoArbitratorAvailable):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.log
	if log == nil {
		log = slog.Default()
	}
	log.Error("request failed", "path", r.URL.Path, "method", r.Method, "err", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
