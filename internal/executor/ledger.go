package executor

import (
	"context"
)

// LedgerClient talks to the bank ledger service: fund holds, debits,
// credits, and their reversals.
type LedgerClient struct {
	*Client
}

func NewLedgerClient(cfg Config) *LedgerClient {
	return &LedgerClient{newClient("ledger", cfg)}
}

type HoldRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type HoldResponse struct {
	HoldID string `json:"hold_id"`
}

type DebitRequest struct {
	AccountID string `json:"account_id"`
	HoldID    string `json:"hold_id,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type DebitResponse struct {
	EntryID string `json:"entry_id"`
}

type CreditRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type CreditResponse struct {
	EntryID string `json:"entry_id"`
}

// PlaceHold reserves funds on the account.
func (c *LedgerClient) PlaceHold(ctx context.Context, req HoldRequest) (*HoldResponse, error) {
	var resp HoldResponse
	if err := c.post(ctx, "/v1/holds", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReleaseHold undoes PlaceHold. Idempotent downstream: releasing a released
// hold is a no-op.
func (c *LedgerClient) ReleaseHold(ctx context.Context, holdID string) error {
	return c.post(ctx, "/v1/holds/"+holdID+"/release", struct{}{}, nil)
}

// Debit posts a debit against a hold.
func (c *LedgerClient) Debit(ctx context.Context, req DebitRequest) (*DebitResponse, error) {
	var resp DebitResponse
	if err := c.post(ctx, "/v1/debits", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReverseDebit undoes Debit by entry id.
func (c *LedgerClient) ReverseDebit(ctx context.Context, entryID string) error {
	return c.post(ctx, "/v1/debits/"+entryID+"/reverse", struct{}{}, nil)
}

// Credit posts a credit to the counterparty account.
func (c *LedgerClient) Credit(ctx context.Context, req CreditRequest) (*CreditResponse, error) {
	var resp CreditResponse
	if err := c.post(ctx, "/v1/credits", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReverseCredit undoes Credit by entry id.
func (c *LedgerClient) ReverseCredit(ctx context.Context, entryID string) error {
	return c.post(ctx, "/v1/credits/"+entryID+"/reverse", struct{}{}, nil)
}
