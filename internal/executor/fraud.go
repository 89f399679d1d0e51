package executor

import (
	"context"
)

// FraudClient talks to the fraud scoring service. Screening has no side
// effects, so it carries no compensation.
type FraudClient struct {
	*Client
}

func NewFraudClient(cfg Config) *FraudClient {
	return &FraudClient{newClient("fraud", cfg)}
}

type ScreenRequest struct {
	AccountID string `json:"account_id"`
	CardToken string `json:"card_token,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type ScreenResponse struct {
	Score   int    `json:"score"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// Screen scores the transaction. A block comes back as a business
// rejection so the saga compensates instead of retrying.
func (c *FraudClient) Screen(ctx context.Context, req ScreenRequest) (*ScreenResponse, error) {
	var resp ScreenResponse
	if err := c.post(ctx, "/v1/screen", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
