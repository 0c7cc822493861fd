package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("session_ingests_started_total", "Ingestion pipelines started")
	if c.Value() != 0 {
		t.Fatalf("expected 0, got %d", c.Value())
	}
	c.Inc()
	c.Inc()
	c.Add(5)
	if c.Value() != 7 {
		t.Fatalf("expected 7, got %d", c.Value())
	}
	// Re-registering the same name yields the shared instance, which is how
	// the orchestrator and a cmd main see one series.
	c2 := r.Counter("session_ingests_started_total", "")
	if c2 != c {
		t.Fatal("expected same counter instance")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("echoquery_ingest_queue_depth", "Files waiting in the current scan")
	g.Set(42)
	if g.Value() != 42 {
		t.Fatalf("expected 42, got %d", g.Value())
	}
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 43 {
		t.Fatalf("expected 43, got %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("echoquery_ingest_pipeline_duration_seconds", "Per-file pipeline time", []float64{1, 30, 300})
	h.Observe(0.4)  // fast query-sized observation
	h.Observe(12)   // short recording
	h.Observe(95)   // long recording
	h.Observe(1200) // beyond every bucket

	buckets, counts, sum, count := h.snapshot()
	if count != 4 {
		t.Fatalf("expected count 4, got %d", count)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 {
		t.Fatalf("bucket counts = %v, want one observation each", counts)
	}
	if want := 0.4 + 12 + 95 + 1200; sum != want {
		t.Fatalf("expected sum %f, got %f", want, sum)
	}
}

func TestHistogramSince(t *testing.T) {
	r := New()
	h := r.Histogram("stage_latency_seconds", "", nil)
	start := time.Now().Add(-100 * time.Millisecond)
	h.Since(start)
	_, _, _, count := h.snapshot()
	if count != 1 {
		t.Fatal("expected 1 observation")
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter("session_asks_total", "Questions answered").Add(10)
	r.Gauge("echoquery_ingest_queue_depth", "Files waiting").Set(5)
	h := r.Histogram("echoquery_ingest_pipeline_duration_seconds", "Per-file pipeline time", []float64{1, 30})
	h.Observe(0.5)
	h.Observe(12)

	out := r.Render()

	if !strings.Contains(out, "# TYPE session_asks_total counter") {
		t.Error("missing TYPE for counter")
	}
	if !strings.Contains(out, "# TYPE echoquery_ingest_queue_depth gauge") {
		t.Error("missing TYPE for gauge")
	}
	if !strings.Contains(out, "# TYPE echoquery_ingest_pipeline_duration_seconds histogram") {
		t.Error("missing TYPE for histogram")
	}
	if !strings.Contains(out, "session_asks_total 10") {
		t.Error("missing counter value")
	}
	if !strings.Contains(out, "echoquery_ingest_queue_depth 5") {
		t.Error("missing gauge value")
	}
	if !strings.Contains(out, `echoquery_ingest_pipeline_duration_seconds_bucket{le="1"} 1`) {
		t.Errorf("missing cumulative bucket, got:\n%s", out)
	}
	if !strings.Contains(out, `echoquery_ingest_pipeline_duration_seconds_bucket{le="30"} 2`) {
		t.Errorf("bucket counts not cumulative, got:\n%s", out)
	}
	if !strings.Contains(out, `echoquery_ingest_pipeline_duration_seconds_bucket{le="+Inf"} 2`) {
		t.Error("missing +Inf bucket")
	}
	if !strings.Contains(out, "echoquery_ingest_pipeline_duration_seconds_count 2") {
		t.Error("missing histogram count")
	}
}

func TestRenderKeepsRegistrationOrder(t *testing.T) {
	r := New()
	r.Counter("session_ingests_started_total", "").Inc()
	r.Counter("session_ingests_indexed_total", "").Inc()
	r.Gauge("echoquery_ingest_last_scan_timestamp", "").Set(1)

	out := r.Render()
	first := strings.Index(out, "session_ingests_started_total")
	second := strings.Index(out, "session_ingests_indexed_total")
	third := strings.Index(out, "echoquery_ingest_last_scan_timestamp")
	if !(first < second && second < third) {
		t.Fatalf("metrics rendered out of registration order:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("session_asks_total", "Questions answered").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "session_asks_total 1") {
		t.Error("missing metric in handler output")
	}
}
