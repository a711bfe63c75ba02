package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxWebhookBody caps provider payloads; transcripts can be long.
const maxWebhookBody = 2 << 20

// EventProcessor runs the reconciliation pipeline for one delivery.
// Implementations never fail: every outcome is carried in the response.
type EventProcessor interface {
	HandleInbound(ctx context.Context, orgID string, raw map[string]any) InboundResponse
	HandlePostCall(ctx context.Context, orgID, campaignID string, raw map[string]any) PostCallResponse
}

// WebhookHandler converts provider webhooks to pipeline calls.
//
// No business logic here. Every response is HTTP 200 with a well-formed body,
// including malformed JSON and timeouts: the provider's retry-on-error
// behavior is not safe to trigger, and the inbound response steers a live call.
//
// Tenant scoping:
// - organization id comes from the route and is passed explicitly.
type WebhookHandler struct {
	Processor EventProcessor

	// Timeout bounds the wait for a response.
	Timeout time.Duration
	// WorkTimeout bounds processing, which is detached from the request so a
	// provider disconnect does not abort a reconcile halfway.
	WorkTimeout time.Duration

	// FallbackOrgName is used in degraded inbound responses.
	FallbackOrgName string

	// Inflight, when set, tracks detached work so shutdown can wait for it.
	Inflight *sync.WaitGroup
}

func (h WebhookHandler) withDefaults() WebhookHandler {
	if h.Timeout <= 0 {
		h.Timeout = 8 * time.Second
	}
	if h.WorkTimeout < h.Timeout {
		h.WorkTimeout = h.Timeout
	}
	if h.FallbackOrgName == "" {
		h.FallbackOrgName = "our office"
	}
	return h
}

// Register mounts the webhook routes on g.
func (h WebhookHandler) Register(g gin.IRouter) {
	g.POST("/webhooks/orgs/:org_id/inbound", h.HandleInbound)
	g.POST("/webhooks/orgs/:org_id/post-call", h.HandlePostCall)
}

func (h WebhookHandler) HandleInbound(c *gin.Context) {
	h = h.withDefaults()
	orgID := strings.TrimSpace(c.Param("org_id"))
	log := logger.FromGin(c).With("org_id", orgID, "webhook", "inbound")

	raw, ok := decodeBody(c)
	if !ok || h.Processor == nil {
		log.Warn("inbound webhook degraded", "reason", degradeReason(ok))
		c.JSON(http.StatusOK, h.degradedInbound(orgID, uuid.NewString(), StatusError, degradeReason(ok)))
		return
	}

	// The work outlives a timed-out response; it releases its own context.
	ctx, cancel := h.workContext(c, log)
	done := make(chan InboundResponse, 1)
	h.track()
	go func() {
		defer h.untrack()
		defer cancel()
		done <- h.Processor.HandleInbound(ctx, orgID, raw)
	}()

	select {
	case res := <-done:
		c.JSON(http.StatusOK, res)
	case <-time.After(h.Timeout):
		log.Warn("inbound webhook timed out", "timeout", h.Timeout.String())
		callID := str(raw, "call_id")
		if callID == "" {
			callID = str(object(raw, "call_inbound"), "call_id")
		}
		c.JSON(http.StatusOK, h.degradedInbound(orgID, callID, StatusPartialSuccess, "timeout"))
	}
}

func (h WebhookHandler) HandlePostCall(c *gin.Context) {
	h = h.withDefaults()
	orgID := strings.TrimSpace(c.Param("org_id"))
	campaignID := strings.TrimSpace(c.Query("campaign_id"))
	log := logger.FromGin(c).With("org_id", orgID, "webhook", "post_call")

	raw, ok := decodeBody(c)
	if !ok || h.Processor == nil {
		log.Warn("post-call webhook degraded", "reason", degradeReason(ok))
		c.JSON(http.StatusOK, PostCallResponse{Status: StatusError, Error: degradeReason(ok)})
		return
	}

	// The work outlives a timed-out response; it releases its own context.
	ctx, cancel := h.workContext(c, log)
	done := make(chan PostCallResponse, 1)
	h.track()
	go func() {
		defer h.untrack()
		defer cancel()
		done <- h.Processor.HandlePostCall(ctx, orgID, campaignID, raw)
	}()

	select {
	case res := <-done:
		c.JSON(http.StatusOK, res)
	case <-time.After(h.Timeout):
		log.Warn("post-call webhook timed out", "timeout", h.Timeout.String())
		callID := str(object(raw, "call"), "call_id")
		if callID == "" {
			callID = str(raw, "call_id")
		}
		c.JSON(http.StatusOK, PostCallResponse{Status: StatusError, CallID: callID, Error: "timeout"})
	}
}

// workContext keeps the request's values (logger) but not its cancellation.
func (h WebhookHandler) workContext(c *gin.Context, log *slog.Logger) (context.Context, context.CancelFunc) {
	base := logger.With(context.WithoutCancel(c.Request.Context()), log)
	return context.WithTimeout(base, h.WorkTimeout)
}

func (h WebhookHandler) track() {
	if h.Inflight != nil {
		h.Inflight.Add(1)
	}
}

func (h WebhookHandler) untrack() {
	if h.Inflight != nil {
		h.Inflight.Done()
	}
}

func (h WebhookHandler) degradedInbound(orgID, callID, status, reason string) InboundResponse {
	return InboundResponse{
		Status: status,
		CallID: callID,
		Variables: map[string]any{
			"organization_id":   orgID,
			"organization_name": h.FallbackOrgName,
			"patient_exists":    false,
		},
		Error: reason,
	}
}

func decodeBody(c *gin.Context) (map[string]any, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil || raw == nil {
		return nil, false
	}
	return raw, true
}

func degradeReason(decoded bool) string {
	if !decoded {
		return "malformed payload"
	}
	return "processor not configured"
}
