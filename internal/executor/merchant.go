package executor

import (
	"context"
)

// MerchantClient talks to the merchant ledger: settlement credits and their
// reversals.
type MerchantClient struct {
	*Client
}

func NewMerchantClient(cfg Config) *MerchantClient {
	return &MerchantClient{newClient("merchant", cfg)}
}

type SettleRequest struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reference  string `json:"reference"`
}

type SettleResponse struct {
	SettlementID string `json:"settlement_id"`
}

func (c *MerchantClient) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/v1/settlements", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReverseSettlement undoes Settle by settlement id.
func (c *MerchantClient) ReverseSettlement(ctx context.Context, settlementID string) error {
	return c.post(ctx, "/v1/settlements/"+settlementID+"/reverse", struct{}{}, nil)
}
