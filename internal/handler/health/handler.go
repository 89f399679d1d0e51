package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	outboxpkg "github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/pkg/messaging"
)

type Handler struct {
	db      *sqlx.DB
	broker  messaging.Broker
	monitor *outboxpkg.Monitor
}

func NewHandler(db *sqlx.DB, broker messaging.Broker, monitor *outboxpkg.Monitor) *Handler {
	return &Handler{
		db:      db,
		broker:  broker,
		monitor: monitor,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "database connection failed",
		})
		return
	}
	if err := h.broker.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DOWN",
			"reason": "broker connection failed",
		})
		return
	}

	resp := gin.H{"status": "UP"}
	if stats, err := h.monitor.Check(c.Request.Context()); err == nil {
		resp["outbox"] = stats
	}
	c.JSON(http.StatusOK, resp)
}
