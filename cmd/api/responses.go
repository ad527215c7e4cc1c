package main

import (
	"time"

	"github.com/intrinsicinvestment91/bitagent/directory"
	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/escrow"
	"github.com/intrinsicinvestment91/bitagent/trust"
)

type conditionResponse struct {
	Name  string `json:"name"`
	Met   bool   `json:"met"`
	MetAt string `json:"metAt,omitempty"`
}

type escrowResponse struct {
	ID             string              `json:"id"`
	Payer          string              `json:"payer"`
	Payee          string              `json:"payee"`
	AmountSats     int64               `json:"amountSats"`
	FeeSats        int64               `json:"feeSats"`
	Status         string              `json:"status"`
	Hold           bool                `json:"hold"`
	Conditions     []conditionResponse `json:"conditions,omitempty"`
	InvoiceRequest string              `json:"invoiceRequest,omitempty"`
	PayoutFault    string              `json:"payoutFault,omitempty"`
	RefundReason   string              `json:"refundReason,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	FundedAt       string              `json:"fundedAt,omitempty"`
	ResolvedAt     string              `json:"resolvedAt,omitempty"`
}

type invoiceResponse struct {
	Ref        string `json:"ref"`
	Request    string `json:"request"`
	AmountSats int64  `json:"amountSats"`
	CreatedAt  string `json:"createdAt"`
}

type disputeResponse struct {
	ID            string `json:"id"`
	EscrowID      string `json:"escrowId"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	OpenedBy      string `json:"openedBy"`
	Reason        string `json:"reason,omitempty"`
	Phase         string `json:"phase"`
	Arbitrator    string `json:"arbitrator,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	PayeeShareBps int    `json:"payeeShareBps,omitempty"`
	WindowEndsAt  string `json:"windowEndsAt"`
	OpenedAt      string `json:"openedAt"`
	ResolvedAt    string `json:"resolvedAt,omitempty"`
}

type evidenceResponse struct {
	ID          string `json:"id"`
	DisputeID   string `json:"disputeId"`
	Seq         int    `json:"seq"`
	Submitter   string `json:"submitter"`
	PayloadRef  string `json:"payloadRef"`
	SubmittedAt string `json:"submittedAt"`
}

type agentResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	PayoutAddress string   `json:"payoutAddress,omitempty"`
	Services      []string `json:"services,omitempty"`
	CreatedAt     string   `json:"createdAt"`
}

type providerResponse struct {
	Agent agentResponse `json:"agent"`
	Trust float64       `json:"trust"`
}

type trustDimensionResponse struct {
	Dimension    string  `json:"dimension"`
	Observations int64   `json:"observations"`
	Decayed      float64 `json:"decayed"`
}

type trustResponse struct {
	AgentID     string                   `json:"agentId"`
	Composite   float64                  `json:"composite"`
	Components  []trustDimensionResponse `json:"components,omitempty"`
	LastUpdated string                   `json:"lastUpdated,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toEscrowResponse(txn escrow.Transaction) escrowResponse {
	conditions := make([]conditionResponse, 0, len(txn.Conditions))
	for _, c := range txn.Conditions {
		conditions = append(conditions, conditionResponse{
			Name:  c.Name,
			Met:   c.Met,
			MetAt: formatTimePtr(c.MetAt),
		})
	}
	return escrowResponse{
		ID:             txn.ID,
		Payer:          txn.Payer,
		Payee:          txn.Payee,
		AmountSats:     txn.AmountSats,
		FeeSats:        txn.FeeSats,
		Status:         string(txn.Status),
		Hold:           txn.Hold,
		Conditions:     conditions,
		InvoiceRequest: derefString(txn.InvoiceRequest),
		PayoutFault:    derefString(txn.PayoutFault),
		RefundReason:   derefString(txn.RefundReason),
		CreatedAt:      formatTime(txn.CreatedAt),
		FundedAt:       formatTimePtr(txn.FundedAt),
		ResolvedAt:     formatTimePtr(txn.ResolvedAt),
	}
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:           d.ID,
		EscrowID:     d.EscrowID,
		Payer:        d.Payer,
		Payee:        d.Payee,
		OpenedBy:     d.OpenedBy,
		Reason:       d.Reason,
		Phase:        string(d.Phase),
		Arbitrator:   derefString(d.Arbitrator),
		WindowEndsAt: formatTime(d.WindowEndsAt),
		OpenedAt:     formatTime(d.OpenedAt),
		ResolvedAt:   formatTimePtr(d.ResolvedAt),
	}
	if d.Ruling != nil {
		resp.Outcome = string(d.Ruling.Outcome)
		resp.PayeeShareBps = d.Ruling.Share()
	}
	return resp
}

func toEvidenceResponse(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		ID:          e.ID,
		DisputeID:   e.DisputeID,
		Seq:         e.Seq,
		Submitter:   e.Submitter,
		PayloadRef:  e.PayloadRef,
		SubmittedAt: formatTime(e.SubmittedAt),
	}
}

func toAgentResponse(a directory.Agent) agentResponse {
	return agentResponse{
		ID:            a.ID,
		Name:          a.Name,
		PayoutAddress: a.PayoutAddress,
		Services:      a.Services,
		CreatedAt:     formatTime(a.CreatedAt),
	}
}

func toTrustResponse(r trust.Record) trustResponse {
	resp := trustResponse{
		AgentID:     r.AgentID,
		Composite:   r.Composite,
		LastUpdated: formatTime(r.LastUpdated),
	}
	for _, dim := range trust.Dimensions {
		stat, ok := r.Components[dim]
		if !ok {
			continue
		}
		resp.Components = append(resp.Components, trustDimensionResponse{
			Dimension:    string(dim),
			Observations: stat.Observations,
			Decayed:      stat.Decayed,
		})
	}
	return resp
}
