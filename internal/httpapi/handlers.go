// Package httpapi serves the admin API over recordings, subscriptions and
// the compliance event log.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/auth"
	"compliance-recorder/internal/rbac"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/subscriptions"
	"compliance-recorder/pkg/logger"
)

// Recordings is the part of recording.Orchestrator exposed to admins.
type Recordings interface {
	GetRecordingMetadata(ctx context.Context, id string) (recording.Metadata, error)
	GetMeetingRecordings(ctx context.Context, callID string) ([]recording.Metadata, error)
	DownloadRecording(ctx context.Context, id string) (io.ReadCloser, recording.Metadata, error)
	UploadRecordingContent(ctx context.Context, id string, r io.Reader, size int64, contentType string) (recording.Metadata, error)
	DeleteRecording(ctx context.Context, id, reason string) recording.Result
	SetLegalHold(ctx context.Context, id string, hold bool) (recording.Metadata, error)
	ApplyRetention(ctx context.Context, now time.Time) recording.RetentionReport
}

type SubscriptionLister interface {
	ListActiveSubscriptions(ctx context.Context) ([]subscriptions.Subscription, error)
}

type EventReader interface {
	ListDay(ctx context.Context, day time.Time) ([]audit.Event, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth          *auth.Manager
	Recordings    Recordings
	Subscriptions SubscriptionLister
	Events        EventReader
	Now           func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new token pair. Initial tokens are
// minted by operators with `recorderctl token issue`.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Recordings ---

func (h Handlers) GetRecording(c *gin.Context) {
	m, ok := h.authorizedRecording(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h Handlers) ListCallRecordings(c *gin.Context) {
	callID := c.Param("call_id")
	recs, err := h.Recordings.GetMeetingRecordings(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	role, tenant := identity(c)
	out := make([]recording.Metadata, 0, len(recs))
	for _, m := range recs {
		if rbac.CanAccessTenant(role, tenant, m.TenantID) {
			out = append(out, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "recordings": out})
}

func (h Handlers) DownloadRecording(c *gin.Context) {
	if _, ok := h.authorizedRecording(c); !ok {
		return
	}
	rc, m, err := h.Recordings.DownloadRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, m.FileSizeBytes, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": `attachment; filename="` + m.ID + `"`,
		"X-Content-SHA256":    m.FileHash,
	})
}

// UploadContent stores the media of a stopped recording and finalizes it.
func (h Handlers) UploadContent(c *gin.Context) {
	if _, ok := h.authorizedRecording(c); !ok {
		return
	}
	m, err := h.Recordings.UploadRecordingContent(c.Request.Context(), c.Param("id"),
		c.Request.Body, c.Request.ContentLength, c.ContentType())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h Handlers) DeleteRecording(c *gin.Context) {
	if _, ok := h.authorizedRecording(c); !ok {
		return
	}
	res := h.Recordings.DeleteRecording(c.Request.Context(), c.Param("id"), c.Query("reason"))
	if !res.Success {
		logger.FromGin(c).Warn("recording delete refused", "recording_id", res.RecordingID, "code", res.Code, "err", res.Err)
	}
	c.JSON(statusForCode(res.Code), res)
}

type legalHoldRequest struct {
	Hold *bool `json:"hold"`
}

func (h Handlers) SetLegalHold(c *gin.Context) {
	if _, ok := h.authorizedRecording(c); !ok {
		return
	}
	var req legalHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Hold == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "hold (bool) required"})
		return
	}
	m, err := h.Recordings.SetLegalHold(c.Request.Context(), c.Param("id"), *req.Hold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ApplyRetention runs a retention sweep now. RBAC: super_admin.
func (h Handlers) ApplyRetention(c *gin.Context) {
	rep := h.Recordings.ApplyRetention(c.Request.Context(), h.now())
	c.JSON(http.StatusOK, rep)
}

// --- Subscriptions ---

type subscriptionView struct {
	ID              string    `json:"id"`
	Resource        string    `json:"resource"`
	ChangeTypes     []string  `json:"change_types"`
	ExpiresAt       time.Time `json:"expires_at"`
	NotificationURL string    `json:"notification_url"`
}

func (h Handlers) ListSubscriptions(c *gin.Context) {
	subs, err := h.Subscriptions.ListActiveSubscriptions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{
			ID:              s.ID,
			Resource:        s.Resource,
			ChangeTypes:     s.ChangeTypes,
			ExpiresAt:       s.ExpiresAt,
			NotificationURL: s.NotificationURL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

// --- Compliance events ---

// ListComplianceEvents returns one UTC day of events (?date=YYYY-MM-DD,
// default today), restricted to the caller's tenant unless super_admin.
func (h Handlers) ListComplianceEvents(c *gin.Context) {
	day := h.now().UTC()
	if v := c.Query("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = d
	}
	events, err := h.Events.ListDay(c.Request.Context(), day)
	if err != nil {
		writeError(c, err)
		return
	}
	role, tenant := identity(c)
	out := make([]audit.Event, 0, len(events))
	for _, e := range events {
		if rbac.CanAccessTenant(role, tenant, e.TenantID) {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"date": day.Format(time.DateOnly), "count": len(out), "events": out})
}

// authorizedRecording loads :id and checks tenant access. Recordings of other
// tenants are reported as not found.
func (h Handlers) authorizedRecording(c *gin.Context) (recording.Metadata, bool) {
	m, err := h.Recordings.GetRecordingMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return recording.Metadata{}, false
	}
	role, tenant := identity(c)
	if !rbac.CanAccessTenant(role, tenant, m.TenantID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return recording.Metadata{}, false
	}
	return m, true
}

func identity(c *gin.Context) (role, tenant string) {
	role, _ = auth.Role(c.Request.Context())
	tenant, _ = auth.TenantID(c.Request.Context())
	return role, tenant
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recording.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, recording.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recording.ErrNotCompleted),
		errors.Is(err, recording.ErrInvalidState),
		errors.Is(err, recording.ErrConflict),
		errors.Is(err, recording.ErrLegalHold):
		status = http.StatusConflict
	case errors.Is(err, recording.ErrContentAbsent):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("admin request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusForCode(code recording.Code) int {
	switch code {
	case recording.CodeSuccess:
		return http.StatusOK
	case recording.CodeNotFound:
		return http.StatusNotFound
	case recording.CodeLegalHold, recording.CodeRecordingInProgress:
		return http.StatusConflict
	case recording.CodeValidation:
		return http.StatusBadRequest
	case recording.CodeStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
