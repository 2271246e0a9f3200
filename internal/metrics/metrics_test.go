package metrics_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/procreap/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.IncTracked()
	metrics.IncLaunch(metrics.LaunchStarted)
	metrics.IncReaped(metrics.OutcomeExited)
	metrics.IncExecFailure()
	metrics.IncStopSignal(syscall.SIGKILL)
	metrics.ObserveStopWait(250 * time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, line := range []string{
		"procreap_tracked_processes ",
		`procreap_launches_total{result="started"}`,
		`procreap_reaped_total{outcome="exited"}`,
		"procreap_exec_failures_total",
		`procreap_stop_signals_total{signal="SIGKILL"}`,
		"procreap_stop_wait_seconds_count",
		"procreap_build_info{",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric %q in body:\n%s", line, body)
		}
	}
}

func trackedValue(t *testing.T) float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "procreap_tracked_processes" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("tracked gauge not registered")
	return 0
}

func TestTrackedGaugeSettlesUnderConcurrency(t *testing.T) {
	before := trackedValue(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			metrics.IncTracked()
		}()
		go func() {
			defer wg.Done()
			metrics.IncTracked()
			metrics.DecTracked()
		}()
	}
	wg.Wait()

	if got := trackedValue(t); got != before+50 {
		t.Fatalf("expected tracked gauge %v, got %v", before+50, got)
	}
	for i := 0; i < 50; i++ {
		metrics.DecTracked()
	}
	if got := trackedValue(t); got != before {
		t.Fatalf("expected tracked gauge back at %v, got %v", before, got)
	}
}
