package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/auth"
	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/rbac"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/subscriptions"
	"compliance-recorder/internal/telephony"
)

type apiHarness struct {
	router *gin.Engine
	orch   *recording.Orchestrator
	audits *audit.MemoryRepo
	subs   *subscriptions.Manager
	now    time.Time
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := telephony.NewFakeProvider()
	h := &apiHarness{audits: audit.NewMemoryRepo(), now: time.Now().UTC()}
	auditSvc := audit.NewService(h.audits, nil)
	h.orch = recording.NewOrchestrator(fake, recording.NewMemoryStore(), blobstore.NewMemoryStore(), recording.Options{
		Retry:      recording.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond},
		AutoDelete: true,
	}, nil).WithAudit(auditSvc)
	h.subs = subscriptions.NewManager(fake, subscriptions.NewMemoryStore(), subscriptions.ManagerConfig{
		NotificationURL: "https://recorder.example/notifications",
		ClientState:     "client-state-secret-value",
	}, auditSvc, nil, nil)

	h.router = gin.New()
	v1 := h.router.Group("/v1", identityFromHeaders)
	Register(v1, Handlers{
		Recordings:    h.orch,
		Subscriptions: h.subs,
		Events:        h.audits,
		Now:           func() time.Time { return h.now },
	})
	return h
}

// identityFromHeaders stands in for auth.RequireAccessToken.
func identityFromHeaders(c *gin.Context) {
	role := c.GetHeader("X-Test-Role")
	ctx := auth.WithIdentity(c.Request.Context(), "user-1", c.GetHeader("X-Test-Tenant"), role)
	ctx = audit.WithActor(ctx, audit.Actor{UserID: "user-1", Role: role})
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func (h *apiHarness) do(method, path, role, tenant string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-Test-Role", role)
	req.Header.Set("X-Test-Tenant", tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// stoppedRecording records and stops a call, leaving a Completed recording
// that still waits for media.
func (h *apiHarness) stoppedRecording(t *testing.T, callID, tenant string) string {
	t.Helper()
	ctx := context.Background()
	res := h.orch.StartRecording(ctx, recording.Meeting{
		CallID:       callID,
		TenantID:     tenant,
		Participants: []recording.Participant{{ID: "u1", DisplayName: "Ana"}},
	})
	if !res.Success {
		t.Fatalf("start: %+v", res)
	}
	if stop := h.orch.StopRecording(ctx, callID); !stop.Success {
		t.Fatalf("stop: %+v", stop)
	}
	return res.RecordingID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestGetRecording_TenantScoped(t *testing.T) {
	h := newAPIHarness(t)
	id := h.stoppedRecording(t, "c1", "t1")

	w := h.do(http.MethodGet, "/v1/recordings/"+id, rbac.RoleComplianceOfficer, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if m := decode[recording.Metadata](t, w); m.ID != id || m.CallID != "c1" {
		t.Fatalf("unexpected metadata: %+v", m)
	}

	if w := h.do(http.MethodGet, "/v1/recordings/"+id, rbac.RoleComplianceOfficer, "t2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("other tenant: expected 404, got %d", w.Code)
	}
	if w := h.do(http.MethodGet, "/v1/recordings/"+id, rbac.RoleSuperAdmin, "ops", nil); w.Code != http.StatusOK {
		t.Fatalf("super_admin: expected 200, got %d", w.Code)
	}
	if w := h.do(http.MethodGet, "/v1/recordings/missing", rbac.RoleComplianceOfficer, "t1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
}

func TestListCallRecordings(t *testing.T) {
	h := newAPIHarness(t)
	id := h.stoppedRecording(t, "c1", "t1")

	w := h.do(http.MethodGet, "/v1/calls/c1/recordings", rbac.RoleAuditor, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode[struct {
		Recordings []recording.Metadata `json:"recordings"`
	}](t, w)
	if len(body.Recordings) != 1 || body.Recordings[0].ID != id {
		t.Fatalf("unexpected recordings: %+v", body.Recordings)
	}

	w = h.do(http.MethodGet, "/v1/calls/c1/recordings", rbac.RoleAuditor, "t2", nil)
	body = decode[struct {
		Recordings []recording.Metadata `json:"recordings"`
	}](t, w)
	if len(body.Recordings) != 0 {
		t.Fatalf("other tenant must see nothing, got %+v", body.Recordings)
	}
}

func TestUploadThenDownload(t *testing.T) {
	h := newAPIHarness(t)
	id := h.stoppedRecording(t, "c1", "t1")
	media := []byte("RIFF....WAVEfmt media bytes")

	if w := h.do(http.MethodPut, "/v1/recordings/"+id+"/content", rbac.RoleComplianceOfficer, "t1", media); w.Code != http.StatusForbidden {
		t.Fatalf("officer upload: expected 403, got %d", w.Code)
	}

	w := h.do(http.MethodPut, "/v1/recordings/"+id+"/content", rbac.RoleMediaIngest, "t1", media)
	if w.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if m := decode[recording.Metadata](t, w); m.FileHash != blobstore.HashBytes(media) {
		t.Fatalf("unexpected hash: %+v", m)
	}

	w = h.do(http.MethodPut, "/v1/recordings/"+id+"/content", rbac.RoleMediaIngest, "t1", media)
	if w.Code != http.StatusConflict {
		t.Fatalf("second upload: expected 409, got %d", w.Code)
	}

	w = h.do(http.MethodGet, "/v1/recordings/"+id+"/content", rbac.RoleComplianceOfficer, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), media) {
		t.Fatalf("downloaded bytes differ")
	}
	if got := w.Header().Get("X-Content-SHA256"); got != blobstore.HashBytes(media) {
		t.Fatalf("unexpected hash header %q", got)
	}
	if n := len(h.audits.OfType(audit.EventRecordingAccessed)); n != 1 {
		t.Fatalf("expected one RecordingAccessed event, got %d", n)
	}
}

func TestDownloadWithoutMedia(t *testing.T) {
	h := newAPIHarness(t)
	id := h.stoppedRecording(t, "c1", "t1")
	if w := h.do(http.MethodGet, "/v1/recordings/"+id+"/content", rbac.RoleComplianceOfficer, "t1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for absent media, got %d", w.Code)
	}
}

func TestLegalHoldBlocksDelete(t *testing.T) {
	h := newAPIHarness(t)
	id := h.stoppedRecording(t, "c1", "t1")

	if w := h.do(http.MethodPut, "/v1/recordings/"+id+"/legal-hold", rbac.RoleComplianceOfficer, "t1", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing hold: expected 400, got %d", w.Code)
	}
	w := h.do(http.MethodPut, "/v1/recordings/"+id+"/legal-hold", rbac.RoleComplianceOfficer, "t1", []byte(`{"hold":true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("hold: expected 200, got %d", w.Code)
	}
	if m := decode[recording.Metadata](t, w); !m.Retention.LegalHold {
		t.Fatalf("expected legal hold set")
	}

	w = h.do(http.MethodDelete, "/v1/recordings/"+id, rbac.RoleComplianceOfficer, "t1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("delete under hold: expected 409, got %d", w.Code)
	}
	if res := decode[recording.Result](t, w); res.Code != recording.CodeLegalHold {
		t.Fatalf("unexpected result: %+v", res)
	}

	h.do(http.MethodPut, "/v1/recordings/"+id+"/legal-hold", rbac.RoleComplianceOfficer, "t1", []byte(`{"hold":false}`))
	if w := h.do(http.MethodDelete, "/v1/recordings/"+id+"?reason=subject+request", rbac.RoleAuditor, "t1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("auditor delete: expected 403, got %d", w.Code)
	}
	w = h.do(http.MethodDelete, "/v1/recordings/"+id+"?reason=subject+request", rbac.RoleComplianceOfficer, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	m, err := h.orch.GetRecordingMetadata(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != recording.StatusDeleted || m.DeletionReason != "subject request" {
		t.Fatalf("unexpected metadata after delete: %+v", m)
	}
	deleted := h.audits.OfType(audit.EventRecordingDeleted)
	if len(deleted) != 1 || deleted[0].ActorUserID != "user-1" {
		t.Fatalf("expected attributed RecordingDeleted event, got %+v", deleted)
	}
}

func TestApplyRetention_SuperAdminOnly(t *testing.T) {
	h := newAPIHarness(t)
	h.stoppedRecording(t, "c1", "t1")

	if w := h.do(http.MethodPost, "/v1/retention/apply", rbac.RoleComplianceOfficer, "t1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("officer: expected 403, got %d", w.Code)
	}

	h.now = h.now.AddDate(0, 0, 2556)
	w := h.do(http.MethodPost, "/v1/retention/apply", rbac.RoleSuperAdmin, "ops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	rep := decode[recording.RetentionReport](t, w)
	if rep.Scanned != 1 || rep.Expired != 1 || rep.Deleted != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestListSubscriptions_HidesClientState(t *testing.T) {
	h := newAPIHarness(t)
	if _, err := h.subs.CreateSubscription(context.Background(), "communications/calls", []string{"created", "updated"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	if w := h.do(http.MethodGet, "/v1/subscriptions", rbac.RoleComplianceOfficer, "t1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("officer: expected 403, got %d", w.Code)
	}
	w := h.do(http.MethodGet, "/v1/subscriptions", rbac.RoleSuperAdmin, "ops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "client-state-secret-value") {
		t.Fatalf("client state leaked: %s", w.Body.String())
	}
	body := decode[struct {
		Subscriptions []subscriptionView `json:"subscriptions"`
	}](t, w)
	if len(body.Subscriptions) != 1 || body.Subscriptions[0].Resource != "communications/calls" {
		t.Fatalf("unexpected subscriptions: %+v", body.Subscriptions)
	}
}

func TestListComplianceEvents(t *testing.T) {
	h := newAPIHarness(t)
	h.stoppedRecording(t, "c1", "t1")
	h.stoppedRecording(t, "c2", "t2")

	w := h.do(http.MethodGet, "/v1/compliance-events", rbac.RoleAuditor, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode[struct {
		Count  int           `json:"count"`
		Events []audit.Event `json:"events"`
	}](t, w)
	if body.Count == 0 {
		t.Fatalf("expected events for t1")
	}
	for _, e := range body.Events {
		if e.TenantID != "t1" {
			t.Fatalf("event of another tenant returned: %+v", e)
		}
	}

	if w := h.do(http.MethodGet, "/v1/compliance-events?date=yesterday", rbac.RoleAuditor, "t1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", w.Code)
	}
	w = h.do(http.MethodGet, "/v1/compliance-events?date=2001-01-01", rbac.RoleAuditor, "t1", nil)
	if body := decode[struct {
		Count int `json:"count"`
	}](t, w); body.Count != 0 {
		t.Fatalf("expected no events on an empty day, got %d", body.Count)
	}
}

func TestRequireTenant(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.do(http.MethodGet, "/v1/compliance-events", rbac.RoleAuditor, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without tenant, got %d", w.Code)
	}
}
