package transfer

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/fincore/internal/model"
	transferService "github.com/jwalitptl/fincore/internal/service/transfer"
	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
	"github.com/jwalitptl/fincore/pkg/validator"
)

type Handler struct {
	svc       *transferService.Service
	validator *validator.Validator
	guard     gin.HandlerFunc
}

func NewHandler(svc *transferService.Service, v *validator.Validator, guard gin.HandlerFunc) *Handler {
	return &Handler{svc: svc, validator: v, guard: guard}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	transfers := r.Group("/transfers")
	{
		transfers.POST("", h.guard, h.Transfer)
	}
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id" validate:"required"`
	ToAccountID   string `json:"to_account_id" validate:"required,nefield=FromAccountID"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Currency      string `json:"currency" validate:"required,currency_code"`
}

type transferResponse struct {
	TransferID string           `json:"transfer_id"`
	SagaID     string           `json:"saga_id"`
	Status     model.SagaStatus `json:"status"`
}

func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid request body", err))
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest(err.Error(), err))
		return
	}

	rec, err := h.svc.Transfer(c.Request.Context(), transferService.Payload{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		sagaID := ""
		if rec != nil {
			sagaID = rec.ID.String()
		}
		httputil.RespondWithSagaError(c, err, sagaID)
		return
	}

	httputil.RespondWithStatus(c, http.StatusCreated, transferResponse{
		TransferID: transferIDOf(rec),
		SagaID:     rec.ID.String(),
		Status:     rec.Status,
	})
}

func transferIDOf(rec *model.SagaRecord) string {
	var p transferService.Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return ""
	}
	return p.TransferID
}
