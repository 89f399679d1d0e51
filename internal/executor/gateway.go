package executor

import (
	"context"
)

// GatewayClient talks to the card payment gateway: authorize, capture, and
// their compensations (void, refund).
type GatewayClient struct {
	*Client
}

func NewGatewayClient(cfg Config) *GatewayClient {
	return &GatewayClient{newClient("gateway", cfg)}
}

type AuthorizeRequest struct {
	CardToken string `json:"card_token"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type AuthorizeResponse struct {
	AuthCode string `json:"auth_code"`
}

type CaptureRequest struct {
	AuthCode  string `json:"auth_code"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type CaptureResponse struct {
	CaptureID string `json:"capture_id"`
}

func (c *GatewayClient) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	var resp AuthorizeResponse
	if err := c.post(ctx, "/v1/authorizations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Void cancels an authorization before capture.
func (c *GatewayClient) Void(ctx context.Context, authCode string) error {
	return c.post(ctx, "/v1/authorizations/"+authCode+"/void", struct{}{}, nil)
}

func (c *GatewayClient) Capture(ctx context.Context, req CaptureRequest) (*CaptureResponse, error) {
	var resp CaptureResponse
	if err := c.post(ctx, "/v1/captures", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund undoes a settled capture.
func (c *GatewayClient) Refund(ctx context.Context, captureID string) error {
	return c.post(ctx, "/v1/captures/"+captureID+"/refund", struct{}{}, nil)
}
