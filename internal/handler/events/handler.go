package events

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/fincore/internal/eventstore"
	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
)

// Handler exposes aggregate history: forward reads for replay and
// point-in-time reads for reconstruction.
type Handler struct {
	store *eventstore.Store
}

func NewHandler(store *eventstore.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	aggregates := r.Group("/aggregates")
	{
		aggregates.GET("/:id/events", h.ReadForward)
	}
}

func (h *Handler) ReadForward(c *gin.Context) {
	aggregateID := c.Param("id")

	if asOf := c.Query("as_of"); asOf != "" {
		ts, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			httputil.RespondWithError(c, errors.NewBadRequest("as_of must be RFC3339", err))
			return
		}
		entries, err := h.store.ReadAsOf(c.Request.Context(), aggregateID, ts)
		if err != nil {
			httputil.RespondWithError(c, errors.NewInternal(err))
			return
		}
		httputil.RespondWithSuccess(c, entries)
		return
	}

	fromVersion := int64(1)
	if from := c.Query("from_version"); from != "" {
		v, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			httputil.RespondWithError(c, errors.NewBadRequest("from_version must be an integer", err))
			return
		}
		fromVersion = v
	}

	entries, err := h.store.ReadForward(c.Request.Context(), aggregateID, fromVersion)
	if err != nil {
		httputil.RespondWithError(c, errors.NewInternal(err))
		return
	}
	httputil.RespondWithSuccess(c, entries)
}
