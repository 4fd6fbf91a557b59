package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCallStart()
	m.RecordCallEnd("openai", "ok", time.Second)
	m.RecordFrame(Inbound, 160)
	m.RecordDrop("bad_json")
	m.RecordVendorEvent("azure", "audio")
	m.RecordVendorError("azure")
	m.RecordCaptureSave(nil, time.Second)
}

func TestRecordCallLifecycle(t *testing.T) {
	m := New()

	m.RecordCallStart()
	m.RecordCallStart()
	if got := testutil.ToFloat64(m.CallsActive); got != 2 {
		t.Fatalf("calls_active = %v, want 2", got)
	}

	m.RecordCallEnd("openai", "ok", 30*time.Second)
	if got := testutil.ToFloat64(m.CallsActive); got != 1 {
		t.Errorf("calls_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("openai", "ok")); got != 1 {
		t.Errorf("calls_total{openai,ok} = %v, want 1", got)
	}
}

func TestRecordFramesAndDrops(t *testing.T) {
	m := New()

	m.RecordFrame(Inbound, 160)
	m.RecordFrame(Inbound, 160)
	m.RecordFrame(Outbound, 800)
	m.RecordDrop("bad_base64")

	if got := testutil.ToFloat64(m.FramesRelayed.WithLabelValues(Inbound)); got != 2 {
		t.Errorf("inbound frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AudioBytes.WithLabelValues(Outbound)); got != 800 {
		t.Errorf("outbound bytes = %v, want 800", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("bad_base64")); got != 1 {
		t.Errorf("dropped frames = %v, want 1", got)
	}
}

func TestRecordCaptureSave(t *testing.T) {
	m := New()

	m.RecordCaptureSave(nil, 3*time.Second)
	m.RecordCaptureSave(errors.New("disk full"), 0)

	if got := testutil.ToFloat64(m.CaptureSaves.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok saves = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CaptureSaves.WithLabelValues("error")); got != 1 {
		t.Errorf("failed saves = %v, want 1", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RecordDrop("bad_json")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `voicerelay_frames_dropped_total{reason="bad_json"} 1`) {
		t.Errorf("metrics output missing dropped frame counter:\n%s", body)
	}
}
