package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_RegisterTwiceReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	if a.AuditWriteFailures != b.AuditWriteFailures || a.NotificationsTotal != b.NotificationsTotal {
		t.Fatalf("expected second New to reuse registered collectors")
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := Discard()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	m.ObserveRecording("start", "SUCCESS", time.Now())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, `http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected request counter in output:\n%s", body)
	}
	if !strings.Contains(body, `recorder_recording_operations_total{code="SUCCESS",operation="start"} 1`) {
		t.Fatalf("expected recording counter in output")
	}
}
