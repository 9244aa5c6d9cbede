package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersEverything(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.ActiveStreams.Inc()
	m.CascadeFallbacks.WithLabelValues("standard").Add(2)
	m.AdmissionRejects.WithLabelValues("daily_limit_reached").Inc()
	m.TokensProcessed.WithLabelValues("gpt-4o-mini", "total").Add(42)
	m.UsageQueueLength.Set(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]bool{}
	for _, f := range families {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"relay_requests_total",
		"relay_active_streams",
		"relay_cascade_fallbacks_total",
		"relay_admission_rejects_total",
		"relay_tokens_processed_total",
		"relay_usage_queue_length",
	} {
		if !got[name] {
			t.Errorf("metric %s not gathered; have %v", name, keys(got))
		}
	}
}

func TestNewMetricsDoubleRegisterPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	NewMetrics(reg)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
