// Package transfer defines the fund transfer saga: reserve on the source
// account, debit it, credit the destination, compensated in reverse.
package transfer

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
	SagaType = "fund_transfer"
	Topic    = "transfers.events"
)

type Payload struct {
	TransferID    string `json:"transfer_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	HoldID        string `json:"hold_id,omitempty"`
	DebitEntryID  string `json:"debit_entry_id,omitempty"`
	CreditEntryID string `json:"credit_entry_id,omitempty"`
}

type Service struct {
	orch   *saga.Orchestrator
	ledger *executor.LedgerClient
}

func NewService(orch *saga.Orchestrator, registry *saga.Registry, ledger *executor.LedgerClient) (*Service, error) {
	s := &Service{orch: orch, ledger: ledger}
	if err := registry.Register(s.definition()); err != nil {
		return nil, err
	}
	return s, nil
}

// Transfer runs the fund transfer saga synchronously.
func (s *Service) Transfer(ctx context.Context, p Payload) (*model.SagaRecord, error) {
	if p.TransferID == "" {
		p.TransferID = uuid.NewString()
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
				Name:       "reserve",
				Execute:    s.reserve,
				Compensate: s.releaseHold,
			},
			{
				Name:       "debit",
				Execute:    s.debit,
				Compensate: s.reverseDebit,
			},
			{
				Name:       "credit",
				Execute:    s.credit,
				Compensate: s.reverseCredit,
			},
		},
	}
}

func (s *Service) reserve(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.ledger.PlaceHold(ctx, executor.HoldRequest{
		AccountID: p.FromAccountID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.TransferID,
	})
	if err != nil {
		return nil, err
	}
	p.HoldID = resp.HoldID

	return result(p, resp.HoldID, "transfer.funds_reserved")
}

func (s *Service) releaseHold(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	ref, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.ledger.ReleaseHold(ctx, ref)
}

func (s *Service) debit(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.ledger.Debit(ctx, executor.DebitRequest{
		AccountID: p.FromAccountID,
		HoldID:    p.HoldID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.TransferID,
	})
	if err != nil {
		return nil, err
	}
	p.DebitEntryID = resp.EntryID

	return result(p, resp.EntryID, "transfer.debited")
}

func (s *Service) reverseDebit(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	ref, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.ledger.ReverseDebit(ctx, ref)
}

func (s *Service) credit(ctx context.Context, raw json.RawMessage) (*saga.StepResult, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.NewInternal(err)
	}

	resp, err := s.ledger.Credit(ctx, executor.CreditRequest{
		AccountID: p.ToAccountID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: p.TransferID,
	})
	if err != nil {
		return nil, err
	}
	p.CreditEntryID = resp.EntryID

	return result(p, resp.EntryID, "transfer.credited")
}

func (s *Service) reverseCredit(ctx context.Context, _ json.RawMessage, comp json.RawMessage) error {
	ref, err := refFrom(comp)
	if err != nil {
		return err
	}
	return s.ledger.ReverseCredit(ctx, ref)
}

type compensation struct {
	Ref string `json:"ref"`
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

func result(p Payload, compRef, eventType string) (*saga.StepResult, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	comp, err := json.Marshal(compensation{Ref: compRef})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &saga.StepResult{
		Payload:          buf,
		CompensationData: comp,
		Event: &saga.Event{
			AggregateType: "transfer",
			AggregateID:   p.TransferID,
			EventType:     eventType,
			Topic:         Topic,
			Data:          buf,
		},
	}, nil
}
