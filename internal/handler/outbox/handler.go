package outbox

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	outboxpkg "github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
)

// Handler exposes the outbox operator surface: backlog stats and manual
// replay of events that exhausted their retries.
type Handler struct {
	repo    repository.OutboxRepository
	monitor *outboxpkg.Monitor
}

func NewHandler(repo repository.OutboxRepository, monitor *outboxpkg.Monitor) *Handler {
	return &Handler{repo: repo, monitor: monitor}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin/outbox")
	{
		admin.GET("/stats", h.Stats)
		admin.GET("/:id", h.Get)
		admin.POST("/:id/retry", h.Retry)
	}
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.monitor.Check(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, errors.NewInternal(err))
		return
	}
	httputil.RespondWithSuccess(c, stats)
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid event id", err))
		return
	}

	event, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, errors.NewNotFound("outbox event", err))
		return
	}
	httputil.RespondWithSuccess(c, event)
}

// Retry resets a FAILED event to PENDING so the relay picks it up again.
func (h *Handler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest("invalid event id", err))
		return
	}

	if err := h.repo.ResetForRetry(c.Request.Context(), id); err != nil {
		httputil.RespondWithError(c, errors.NewBadRequest(err.Error(), err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"event_id": id.String(), "requeued": true})
}
