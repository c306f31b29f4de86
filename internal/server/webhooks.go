package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/prepflow/billinghooks/internal/webhook/domain"
	"github.com/prepflow/billinghooks/internal/webhook/validator"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleWebhook ingests one provider delivery. Validation failures map to
// 4xx so the provider stops resending garbage; once the event is durably
// recorded the response is 200 regardless of processing outcome, because
// the retry queue owns failures from that point on.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	ctx := c.Request.Context()

	if res := s.limiter.Allow(ctx, provider, c.ClientIP()); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
		AbortWithError(c, ErrRateLimited)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	validated, err := s.validator.Validate(ctx, validator.Request{
		Provider: provider,
		SourceIP: c.ClientIP(),
		Headers:  c.Request.Header,
		RawBody:  body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := "processed"
	if err := s.processor.Process(ctx, validated); err != nil {
		if errors.Is(err, webhookdomain.ErrAlreadyHandled) {
			c.JSON(http.StatusOK, gin.H{
				"status":        "duplicate",
				"processing_id": validated.ProcessingID,
			})
			return
		}
		// The event is persisted; the retry queue or the dead letter
		// queue takes it from here.
		s.log.Warn("webhook processing deferred",
			zap.String("provider", provider),
			zap.String("processing_id", validated.ProcessingID),
			zap.Error(err),
		)
		status = "accepted"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"processing_id": validated.ProcessingID,
	})
}
