package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/safar/market-orders/internal/apperr"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// ReceiveWebhook hands the untouched body to the ingest pipeline. The
// signature covers the exact bytes, so nothing may decode the body first.
func (s *Server) ReceiveWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	// Unknown names must not reach the limiter or the metric labels.
	if !s.deps.Webhooks.Known(provider) {
		AbortWithError(c, apperr.NotFound("provider", provider))
		return
	}
	if !s.webhooks.Allow(provider) {
		s.metrics.Webhook(provider, "throttled")
		s.log.Warn("webhook throttled", zap.String("provider", provider))
		AbortWithError(c, ErrRateLimited)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, apperr.Validation("body", "unreadable or larger than %d bytes", maxWebhookBody))
		return
	}

	res, err := s.deps.Webhooks.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}
