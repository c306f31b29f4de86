package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
)

func (s *Server) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.retry.ListDeadLetters(
		c.Request.Context(),
		strings.TrimSpace(c.Query("provider")),
		strings.TrimSpace(c.Query("event_type")),
		limit,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) RequeueDeadLetter(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	task, err := s.retry.Requeue(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) PurgeDeadLetters(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("older_than_days", "0"))
	if err != nil || days < 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	purged, err := s.retry.Purge(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (s *Server) SyncSubscription(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	sub, err := s.subscriptions.SyncWithProvider(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) ProviderHealth(c *gin.Context) {
	client, err := s.providers.For(c.Param("provider"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := client.Health(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": client.Name()})
}

func (s *Server) ListAuditEvents(c *gin.Context) {
	req := auditdomain.ListRequest{
		EntityType: strings.TrimSpace(c.Query("entity_type")),
		EntityID:   strings.TrimSpace(c.Query("entity_id")),
		Action:     strings.TrimSpace(c.Query("action")),
		ActorID:    strings.TrimSpace(c.Query("actor_id")),
		Severity:   strings.TrimSpace(c.Query("severity")),
	}
	req.PageToken = strings.TrimSpace(c.Query("page_token"))
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "50")); err == nil {
		req.PageSize = size
	}
	if at, ok := parseTimeQuery(c, "start_at"); ok {
		req.StartAt = at
	} else {
		return
	}
	if at, ok := parseTimeQuery(c, "end_at"); ok {
		req.EndAt = at
	} else {
		return
	}

	resp, err := s.audit.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) VerifyAuditChain(c *gin.Context) {
	result, err := s.audit.VerifyChain(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ExportActorData(c *gin.Context) {
	actor := strings.TrimSpace(c.Param("actor"))
	events, err := s.audit.ExportActorData(c.Request.Context(), actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor_id": actor, "events": events})
}

type eraseRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

func (s *Server) EraseActorData(c *gin.Context) {
	var req eraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	erased, err := s.audit.EraseActorData(c.Request.Context(), strings.TrimSpace(req.ActorID))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor_id": req.ActorID, "erased": erased})
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return nil, false
	}
	return &at, true
}
