package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LNbitsClient implements Rail against the LNbits wallet API. Amounts are
// satoshis throughout; LNbits reports settled amounts in millisats.
type LNbitsClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLNbitsClient builds a client for the given LNbits instance. A zero
// timeout falls back to 15 seconds.
func NewLNbitsClient(baseURL, apiKey string, timeout time.Duration) *LNbitsClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LNbitsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type lnbitsInvoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
	Bolt11 string `json:"bolt11,omitempty"`
}

type lnbitsInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	CheckingID     string `json:"checking_id"`
}

type lnbitsPaymentDetails struct {
	Paid    bool `json:"paid"`
	Details struct {
		Amount int64 `json:"amount"` // millisats, negative for outbound
		Time   int64 `json:"time"`
	} `json:"details"`
}

// CreateInvoice asks the wallet for a new inbound invoice.
func (c *LNbitsClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	if amountSats <= 0 {
		return Invoice{}, fmt.Errorf("payment: invoice amount must be positive")
	}

	var resp lnbitsInvoiceResponse
	if err := c.post(ctx, "/api/v1/payments", lnbitsInvoiceRequest{Out: false, Amount: amountSats, Memo: memo}, &resp); err != nil {
		return Invoice{}, err
	}

	request := resp.Bolt11
	if request == "" {
		request = resp.PaymentRequest
	}
	if resp.PaymentHash == "" || request == "" {
		return Invoice{}, fmt.Errorf("payment: malformed invoice response")
	}
	return Invoice{
		Ref:        resp.PaymentHash,
		Request:    request,
		AmountSats: amountSats,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// CheckPaid polls the wallet for the settlement state of an invoice.
func (c *LNbitsClient) CheckPaid(ctx context.Context, ref string) (PaymentStatus, error) {
	if ref == "" {
		return PaymentStatus{}, fmt.Errorf("payment: empty invoice ref")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/payments/"+ref, nil)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("payment: build request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.client.Do(req)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return PaymentStatus{}, nil
	}
	if res.StatusCode != http.StatusOK {
		return PaymentStatus{}, fmt.Errorf("%w: status %d", ErrRailUnavailable, res.StatusCode)
	}

	var details lnbitsPaymentDetails
	if err := json.NewDecoder(res.Body).Decode(&details); err != nil {
		return PaymentStatus{}, fmt.Errorf("payment: decode status: %w", err)
	}
	if !details.Paid {
		return PaymentStatus{}, nil
	}

	amount := details.Details.Amount
	if amount < 0 {
		amount = -amount
	}
	status := PaymentStatus{
		Paid:       true,
		AmountSats: amount / 1000,
	}
	if details.Details.Time > 0 {
		status.PaidAt = time.Unix(details.Details.Time, 0).UTC()
	}
	return status, nil
}

// Payout pushes funds to a bolt11 destination. The amount is encoded in the
// destination invoice on a Lightning rail; amountSats is kept for sanity
// checking by richer rails.
func (c *LNbitsClient) Payout(ctx context.Context, destination string, amountSats int64) (PayoutResult, error) {
	if destination == "" {
		return PayoutResult{}, fmt.Errorf("payment: empty payout destination")
	}

	var resp lnbitsInvoiceResponse
	err := c.post(ctx, "/api/v1/payments", lnbitsInvoiceRequest{Out: true, Bolt11: destination}, &resp)
	if err != nil {
		return PayoutResult{Success: false, Reason: err.Error()}, err
	}
	return PayoutResult{Success: true, Ref: resp.PaymentHash}, nil
}

func (c *LNbitsClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payment: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRailUnavailable, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("payment: decode response: %w", err)
	}
	return nil
}

func (c *LNbitsClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
