// Package webhook receives change notifications from the platform, checks
// their authenticity as a batch and hands them to the Dispatcher.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/pkg/logger"
)

const DefaultMaxBodyBytes = 1 << 20

var (
	ErrAuthenticity = errors.New("webhook: clientState mismatch")
	ErrMalformed    = errors.New("webhook: malformed notification")
	ErrTooLarge     = errors.New("webhook: body too large")
	ErrHandlerPanic = errors.New("webhook: notification handler panicked")
)

// ClientStateVerifier checks the clientState echoed in a notification
// against the one registered for its subscription.
type ClientStateVerifier interface {
	VerifyClientState(ctx context.Context, subscriptionID, state string) bool
}

// Handler serves the notification endpoint.
//
// Invariants:
// - A batch is dispatched only if every item passes the clientState check.
// - Accepted batches are answered 202 before processing; processing errors
//   never change the response.
type Handler struct {
	verifier   ClientStateVerifier
	dispatcher *Dispatcher
	maxBody    int64

	audit   *audit.Service
	metrics *metrics.Metrics
	log     *slog.Logger

	wg sync.WaitGroup
}

func NewHandler(v ClientStateVerifier, d *Dispatcher, maxBody int64, auditSvc *audit.Service, m *metrics.Metrics, log *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if m == nil {
		m = metrics.Discard()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{verifier: v, dispatcher: d, maxBody: maxBody, audit: auditSvc, metrics: m, log: log}
}

// Register mounts the endpoint on r at path.
func (h *Handler) Register(r gin.IRoutes, path string) {
	r.GET(path, h.Notify)
	r.POST(path, h.Notify)
}

func (h *Handler) Notify(c *gin.Context) {
	if token, ok := c.GetQuery("validationToken"); ok {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}
	if c.Request.Method != http.MethodPost {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validationToken required"})
		return
	}
	log := logger.FromGin(c)

	batch, err := h.readBatch(c)
	if err != nil {
		h.metrics.NotificationsTotal.WithLabelValues("batch", "rejected").Inc()
		log.Warn("notification batch rejected", "err", err)
		if errors.Is(err, ErrAuthenticity) {
			h.audit.LogEvent(c.Request.Context(), audit.EventWebhookRejected, audit.EventContext{
				IPAddress: c.ClientIP(),
				Message:   "notification clientState mismatch",
			})
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for _, n := range batch {
			h.dispatcher.Dispatch(ctx, n)
		}
	}()
	c.Status(http.StatusAccepted)
}

// readBatch decodes and authenticates the whole body before anything is dispatched.
func (h *Handler) readBatch(c *gin.Context) ([]Notification, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrTooLarge
		}
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrMalformed
	}
	if p.Value == nil {
		return nil, ErrMalformed
	}

	ctx := c.Request.Context()
	for _, raw := range p.Value {
		if raw.LifecycleEvent == "" && (raw.SubscriptionID == "" || raw.Resource == "") {
			return nil, ErrMalformed
		}
		if !h.verifier.VerifyClientState(ctx, raw.SubscriptionID, raw.ClientState) {
			return nil, ErrAuthenticity
		}
	}

	out := make([]Notification, 0, len(p.Value))
	for _, raw := range p.Value {
		n, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Wait blocks until every accepted batch has been dispatched.
func (h *Handler) Wait() {
	h.wg.Wait()
}
