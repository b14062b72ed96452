package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewUsesPrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration
	a := New()
	b := New()
	a.RecordSegment(4, 1024)
	if got := testutil.ToFloat64(b.SegmentsCreated); got != 0 {
		t.Fatalf("expected independent registries, got %v", got)
	}
}

func TestSegmentLifecycleCounters(t *testing.T) {
	m := New()
	m.RecordSegment(4, 2048)
	m.RecordSegment(4, 2048)
	m.RecordSegmentEvicted()
	m.RecordSegmentDropped()

	if got := testutil.ToFloat64(m.SegmentsCreated); got != 2 {
		t.Errorf("segments created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SegmentsStored); got != 1 {
		t.Errorf("segments stored = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SegmentsDropped); got != 1 {
		t.Errorf("segments dropped = %v, want 1", got)
	}
}

func TestClientMetrics(t *testing.T) {
	m := New()
	m.SetActiveClients("mjpeg", 3)
	m.RecordClientDropped("ws")
	m.RecordMessagesSent("ws", "video", 5)
	m.RecordMessagesSent("ws", "video", 0)

	if got := testutil.ToFloat64(m.ActiveClients.WithLabelValues("mjpeg")); got != 3 {
		t.Errorf("active mjpeg clients = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ClientsDropped.WithLabelValues("ws")); got != 1 {
		t.Errorf("dropped ws clients = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("ws", "video")); got != 5 {
		t.Errorf("ws video messages = %v, want 5", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSample("video", true)
	m.RecordSampleDropped("audio", "no_segment")
	m.RecordSegment(1, 1)
	m.RecordSegmentEvicted()
	m.SetActiveClients("ws", 1)
	m.RecordPullReconnect()
	m.RecordHTTPRequest("GET", "/", 200, 0.1)
	m.RecordArchiveUpload("ok")
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordPullReconnect()
	m.RecordHTTPRequest("GET", "/status", 404, 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"camrelay_pull_reconnects_total 1",
		`camrelay_http_requests_total{method="GET",path="/status",status="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 101: "unknown"}
	for code, want := range tests {
		if got := statusCodeToString(code); got != want {
			t.Errorf("statusCodeToString(%d) = %q, want %q", code, got, want)
		}
	}
}
