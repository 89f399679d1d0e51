package idempotency

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/httputil"
	"github.com/jwalitptl/fincore/pkg/logger"
)

const KeyHeader = "Idempotency-Key"

// Middleware guards state-changing endpoints. Requests without the key
// header pass through unguarded; everything else goes through the
// begin/complete cycle with the response captured for replay.
type Middleware struct {
	guard  *Guard
	logger *logger.Logger
}

func NewMiddleware(guard *Guard, logger *logger.Logger) *Middleware {
	return &Middleware{guard: guard, logger: logger}
}

func (m *Middleware) Guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(KeyHeader)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			httputil.RespondWithError(c, errors.NewBadRequest("failed to read request body", err))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		hash := HashRequest(body)
		decision, err := m.guard.BeginOrReject(c.Request.Context(), key, hash,
			c.FullPath(), c.Request.Method, c.GetString("user_id"))
		if err != nil {
			httputil.RespondWithError(c, err)
			c.Abort()
			return
		}

		switch decision.Outcome {
		case InFlight:
			httputil.RespondWithError(c, &errors.AppError{
				Code:    errors.ErrInFlight,
				Message: "request with this idempotency key is already processing",
			})
			c.Abort()
			return
		case Cached:
			rec := decision.Record
			status := http.StatusOK
			if rec.ResponseStatus != nil {
				status = *rec.ResponseStatus
			}
			c.Data(status, "application/json", rec.ResponseBody)
			c.Abort()
			return
		}

		// Proceed: capture the response so replays return it verbatim.
		capture := &responseCapture{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = capture

		c.Next()

		if err := m.guard.Complete(c.Request.Context(), decision.Record,
			capture.Status(), capture.body.Bytes()); err != nil {
			m.logger.Error(err, "failed to record idempotent response", "key", key)
		}
	}
}

type responseCapture struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseCapture) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseCapture) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
