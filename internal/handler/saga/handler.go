package saga

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/fincore/internal/repository"
	sagapkg "github.com/jwalitptl/fincore/internal/saga"
	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
)

// Handler exposes the saga admin surface: status lookup for traceability
// and the manual-intervention path for FAILED sagas.
type Handler struct {
	sagas repository.SagaRepository
	orch  *sagapkg.Orchestrator
}

func NewHandler(sagas repository.SagaRepository, orch *sagapkg.Orchestrator) *Handler {
	return &Handler{sagas: sagas, orch: orch}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sagas := r.Group("/sagas")
	{
		sagas.GET("/:id", h.Get)
	}
	admin := r.Group("/admin/sagas")
	{
		admin.GET("/stats", h.Stats)
		admin.POST("/:id/retry", h.Retry)
		admin.POST("/:id/compensate", h.Compensate)
	}
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid saga id", err))
		return
	}

	rec, err := h.sagas.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, errors.NewNotFound("saga", err))
		return
	}
	httputil.RespondWithSuccess(c, rec)
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.sagas.CountByStatus(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, errors.NewInternal(err))
		return
	}
	httputil.RespondWithSuccess(c, counts)
}

// Retry re-enters compensation for a FAILED saga below its retry budget.
func (h *Handler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid saga id", err))
		return
	}

	if err := h.orch.RetryFailed(c.Request.Context(), id); err != nil {
		httputil.RespondWithSagaError(c, err, id.String())
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"saga_id": id.String(), "retried": true})
}

// Compensate forces rollback of a non-terminal saga.
func (h *Handler) Compensate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid saga id", err))
		return
	}

	if err := h.orch.Compensate(c.Request.Context(), id); err != nil {
		httputil.RespondWithSagaError(c, err, id.String())
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"saga_id": id.String(), "compensated": true})
}
