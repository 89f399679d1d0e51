package payment

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/fincore/internal/model"
	paymentService "github.com/jwalitptl/fincore/internal/service/payment"
	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
	"github.com/jwalitptl/fincore/pkg/validator"
)

type Handler struct {
	svc       *paymentService.Service
	validator *validator.Validator
	guard     gin.HandlerFunc
}

// NewHandler wires the payment endpoints. The guard is the idempotency
// middleware; every state-changing route goes through it.
func NewHandler(svc *paymentService.Service, v *validator.Validator, guard gin.HandlerFunc) *Handler {
	return &Handler{svc: svc, validator: v, guard: guard}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("", h.guard, h.Capture)
	}
}

type captureRequest struct {
	AccountID  string `json:"account_id" validate:"required"`
	CardToken  string `json:"card_token" validate:"required"`
	MerchantID string `json:"merchant_id" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"required,currency_code"`
}

type captureResponse struct {
	PaymentID string           `json:"payment_id"`
	SagaID    string           `json:"saga_id"`
	Status    model.SagaStatus `json:"status"`
}

func (h *Handler) Capture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid request body", err))
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest(err.Error(), err))
		return
	}

	rec, err := h.svc.Capture(c.Request.Context(), paymentService.Payload{
		AccountID:  req.AccountID,
		CardToken:  req.CardToken,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
	})
	if err != nil {
		sagaID := ""
		if rec != nil {
			sagaID = rec.ID.String()
		}
		httputil.RespondWithSagaError(c, err, sagaID)
		return
	}

	httputil.RespondWithStatus(c, http.StatusCreated, captureResponse{
		PaymentID: paymentIDOf(rec),
		SagaID:    rec.ID.String(),
		Status:    rec.Status,
	})
}

func paymentIDOf(rec *model.SagaRecord) string {
	var p paymentService.Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return ""
	}
	return p.PaymentID
}
