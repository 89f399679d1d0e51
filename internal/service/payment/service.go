// Package payment defines the card payment capture saga: fraud screen,
// fund reservation, gateway authorization, capture, ledger debit, and
// merchant settlement, with compensations in reverse order.
package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/fincore/internal/executor"
	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/saga"
	"github.com/jwalitptl/fincore/pkg/errors"
)

const (
	SagaType = "card_payment_capture"
	Topic    = "payments.events"
)

// Payload threads the capture state between steps. Each step fills in the
// identifiers its compensation needs.
type Payload struct {
	PaymentID    string `json:"payment_id"`
	AccountID    string `json:"account_id"`
	CardToken    string `json:"card_token"`
	MerchantID   string `json:"merchant_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	HoldID       string `json:"hold_id,omitempty"`
	AuthCode     string `json:"auth_code,omitempty"`
	CaptureID    string `json:"capture_id,omitempty"`
	DebitEntryID string `json:"debit_entry_id,omitempty"`
	SettlementID string `json:"settlement_id,omitempty"`
}

type Service struct {
	orch     *saga.Orchestrator
	ledger   *executor.LedgerClient
	fraud    *executor.FraudClient
	gateway  *executor.GatewayClient
	merchant *executor.MerchantClient
}

func NewService(
	orch *saga.Orchestrator,
	registry *saga.Registry,
	ledger *executor.LedgerClient,
	fraud *executor.FraudClient,
	gateway *executor.GatewayClient,
	merchant *executor.MerchantClient,
) (*Service, error) {
	s := &Service{
		orch:     orch,
		ledger:   ledger,
		fraud:    fraud,
		gateway:  gateway,
		merchant: merchant,
	}
	if err := registry.Register(s.definition()); err != nil {
		return nil, err
	}
	return s, nil
}

// Capture runs the payment saga synchronously and returns the saga record
// for traceability either way.
func (s *Service) Capture(ctx context.Context, p Payload) (*model.SagaRecord, error) {
	if p.PaymentID == "" {
		p.PaymentID = uuid.NewString()
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	rec, err := s.orch.Start(ctx, SagaType, buf)
	if err != nil {
		return nil, err
	}
	return s.orch.Run(ctx, rec.ID)
}

func (s *Service) definition() *saga.Definition {
	return &saga.Definition{
		Type: SagaType,
		Steps: []saga.Step{
			{
				Name:    "screen",
				Execute: s.screen,
				// No side effects to undo.
			},
			{
				Name:       "reserve",
				Execute:    s.reserve,
				Compensate: s.releaseHold,
			},
			{
				Name:       "authorize",
				Execute:    s.authorize,
				Compensate: s.voidAuthorization,
			},
			{
				Name:       "capture",
				Execute:    s.capture,
				Compensate: s.refundCapture,
			},
			{
				Name:       "debit",
				Execute:    s.debit,
				Compensate: s.reverseDebit,
			},
			{
				Name:       "settle",
				Execute:    s.settle,
				Compensate: s.reverseSettlement,
			},
		},
	}
}

func (s *Service) screen(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.fraud.Screen(ctx, executor.ScreenRequest{
		AccountID: p.AccountID,
		CardToken: p.CardToken,
		Amount:    p.Amount,
		Currency:  p.Currency,
	})
	if err != nil {
		return nil, err
	}
	if resp.Blocked {
		return nil, errors.NewBusiness(fmt.Sprintf("payment blocked by fraud screen: %s", resp.Reason), nil)
	}

	return result(p, nil, "payment.screened", p.PaymentID)
}

func (s *Service) reserve(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.ledger.PlaceHold(ctx, executor.HoldRequest{
		AccountID: p.AccountID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	p.HoldID = resp.HoldID

	return result(p, compRef(resp.HoldID), "payment.funds_reserved", p.PaymentID)
}

func (s *Service) releaseHold(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	holdID, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.ledger.ReleaseHold(ctx, holdID)
}

func (s *Service) authorize(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.gateway.Authorize(ctx, executor.AuthorizeRequest{
		CardToken: p.CardToken,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	p.AuthCode = resp.AuthCode

	return result(p, compRef(resp.AuthCode), "payment.authorized", p.PaymentID)
}

func (s *Service) voidAuthorization(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	authCode, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.gateway.Void(ctx, authCode)
}

func (s *Service) capture(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.gateway.Capture(ctx, executor.CaptureRequest{
		AuthCode:  p.AuthCode,
		Amount:    p.Amount,
		Reference: p.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	p.CaptureID = resp.CaptureID

	return result(p, compRef(resp.CaptureID), "payment.captured", p.PaymentID)
}

func (s *Service) refundCapture(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	captureID, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.gateway.Refund(ctx, captureID)
}

func (s *Service) debit(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.ledger.Debit(ctx, executor.DebitRequest{
		AccountID: p.AccountID,
		HoldID:    p.HoldID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	p.DebitEntryID = resp.EntryID

	return result(p, compRef(resp.EntryID), "payment.debited", p.PaymentID)
}

func (s *Service) reverseDebit(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	entryID, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.ledger.ReverseDebit(ctx, entryID)
}

func (s *Service) settle(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.merchant.Settle(ctx, executor.SettleRequest{
		MerchantID: p.MerchantID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Reference:  p.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	p.SettlementID = resp.SettlementID

	return result(p, compRef(resp.SettlementID), "payment.settled", p.PaymentID)
}

func (s *Service) reverseSettlement(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	settlementID, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.merchant.ReverseSettlement(ctx, settlementID)
}

// compensation reference envelope shared by the steps

type compensation struct {
	Ref string `json:"ref"`
}

func compRef(ref string) json.RawMessage {
	buf, _ := json.Marshal(compensation{Ref: ref})
	return buf
}

func refFrom(raw json.RawMessage) (string, error) {
	var c compensation
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", errors.NewInternal(fmt.Errorf("corrupt compensation data: %w", err))
	}
	if c.Ref == "" {
		return "", errors.NewInternal(fmt.Errorf("compensation data missing reference"))
	}
	return c.Ref, nil
}

func result(p Payload, comp json.RawMessage, eventType, paymentID string) (*saga.StepResult, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &saga.StepResult{
		Payload:          buf,
		CompensationData: comp,
		Event: &saga.Event{
			AggregateType: "payment",
			AggregateID:   paymentID,
			EventType:     eventType,
			Topic:         Topic,
			Data:          data,
		},
	}, nil
}
