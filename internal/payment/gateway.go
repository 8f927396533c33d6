package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Outcome is the gateway's verdict for a transaction reference. The
// provider's wire protocol is its own business; this enum is the entire
// contract the rest of the system sees.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePending   Outcome = "pending"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeExpired   Outcome = "expired"
	OutcomeCanceled  Outcome = "canceled"
)

var ErrUnknownOutcome = errors.New("unknown gateway outcome")

// Result of a verification lookup.
type Result struct {
	Outcome       Outcome
	TransactionID string
	AmountCents   int64
}

// Gateway verifies a payment by its provider transaction reference. The
// lookup must be bounded: on timeout the caller leaves the reservation
// active and retries later.
type Gateway interface {
	Lookup(ctx context.Context, ref string) (*Result, error)
}

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Client is the HTTP gateway implementation. It performs a synchronous
// lookup call keyed by the provider transaction reference.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type lookupRequest struct {
	Ref string `json:"pidx"`
}

type lookupResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	TotalAmount   int64  `json:"total_amount"`
}

func (c *Client) Lookup(ctx context.Context, ref string) (*Result, error) {
	const op = "payment.Client.Lookup"

	body, err := json.Marshal(lookupRequest{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.BaseURL+"/epayment/lookup/",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.cfg.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: gateway returned %d", op, resp.StatusCode)
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	outcome, err := mapStatus(lr.Status)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Result{
		Outcome:       outcome,
		TransactionID: lr.TransactionID,
		AmountCents:   lr.TotalAmount,
	}, nil
}

func mapStatus(s string) (Outcome, error) {
	switch s {
	case "Completed":
		return OutcomeCompleted, nil
	case "Pending", "Initiated":
		return OutcomePending, nil
	case "Refunded":
		return OutcomeRefunded, nil
	case "Expired":
		return OutcomeExpired, nil
	case "User canceled", "Canceled":
		return OutcomeCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, s)
	}
}
