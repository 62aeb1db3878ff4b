package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWebhookMetricsExportsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewWebhookMetrics(reg)
	eventType := "invoice.payment_succeeded"

	metrics.ObserveDuration(eventType, 30*time.Millisecond)
	metrics.IncProcessed(eventType)
	metrics.IncSkipped(eventType)
	metrics.IncFailed(eventType)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	for _, name := range []string{"webhook_events_processed", "webhook_events_failed", "webhook_events_skipped"} {
		got, err := fetchCounterValue(mfs, name, "event_type", eventType)
		if err != nil {
			t.Fatalf("fetch %s: %v", name, err)
		}
		if got != 1 {
			t.Fatalf("expected %s=1, got %f", name, got)
		}
	}

	if got, err := fetchHistogramSum(mfs, "webhook_event_duration_seconds", "event_type", eventType); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestWebhookMetricsNilRegistererIsNoop(t *testing.T) {
	metrics := NewWebhookMetrics(nil)
	metrics.IncProcessed("any")
	metrics.ObserveDuration("any", time.Second)
}
