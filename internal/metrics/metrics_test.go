package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	if m.MailingsSentTotal == nil {
		t.Error("MailingsSentTotal is nil")
	}
	if m.SubscriptionEventsTotal == nil {
		t.Error("SubscriptionEventsTotal is nil")
	}
	if m.SweepDurationSeconds == nil {
		t.Error("SweepDurationSeconds is nil")
	}
	if m.JobQueueSize == nil {
		t.Error("JobQueueSize is nil")
	}
	if m.APIRequestsTotal == nil {
		t.Error("APIRequestsTotal is nil")
	}

	for name, vec := range m.counters() {
		if vec == nil {
			t.Errorf("counter %s is nil", name)
		}
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	SetGlobal(nil)
}

func TestIncMailings(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMailingsSent("onboarding")
	IncMailingsSent("onboarding")
	IncMailingsSent("digest")
	IncMailingsSkipped("onboarding")
	IncMailingsHeld("onboarding")
	IncMailingsEnqueued("digest")

	if v := counterValue(t, m.MailingsSentTotal, "onboarding"); v != 2 {
		t.Errorf("sent[onboarding] = %v, want 2", v)
	}
	if v := counterValue(t, m.MailingsSentTotal, "digest"); v != 1 {
		t.Errorf("sent[digest] = %v, want 1", v)
	}
	if v := counterValue(t, m.MailingsSkippedTotal, "onboarding"); v != 1 {
		t.Errorf("skipped[onboarding] = %v, want 1", v)
	}
	if v := counterValue(t, m.MailingsHeldTotal, "onboarding"); v != 1 {
		t.Errorf("held[onboarding] = %v, want 1", v)
	}
	if v := counterValue(t, m.MailingsEnqueuedTotal, "digest"); v != 1 {
		t.Errorf("enqueued[digest] = %v, want 1", v)
	}
}

func TestIncDeliveryErrors(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDeliveryErrors("onboarding", "delivery")
	IncDeliveryErrors("onboarding", "unresolved")
	IncDeliveryErrors("onboarding", "delivery")

	if v := counterValue(t, m.DeliveryErrorsTotal, "onboarding", "delivery"); v != 2 {
		t.Errorf("errors[delivery] = %v, want 2", v)
	}
	if v := counterValue(t, m.DeliveryErrorsTotal, "onboarding", "unresolved"); v != 1 {
		t.Errorf("errors[unresolved] = %v, want 1", v)
	}
}

func TestSweepMetrics(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	ObserveSweepDuration("onboarding", 0.2)
	IncSweepErrors("onboarding")
	IncSweepSkipped("onboarding")
	IncSubscriptionEvent("onboarding", "ended")
	IncJobs("succeeded")

	if v := counterValue(t, m.SweepErrorsTotal, "onboarding"); v != 1 {
		t.Errorf("sweep errors = %v, want 1", v)
	}
	if v := counterValue(t, m.SweepSkippedTotal, "onboarding"); v != 1 {
		t.Errorf("sweep skipped = %v, want 1", v)
	}
	if v := counterValue(t, m.SubscriptionEventsTotal, "onboarding", "ended"); v != 1 {
		t.Errorf("events[ended] = %v, want 1", v)
	}
	if v := counterValue(t, m.JobsTotal, "succeeded"); v != 1 {
		t.Errorf("jobs[succeeded] = %v, want 1", v)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "drip_sweep_duration_seconds" {
			continue
		}
		if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
			t.Errorf("sweep duration samples = %d, want 1", got)
		}
		return
	}
	t.Error("drip_sweep_duration_seconds not gathered")
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these may panic without a global instance
	IncMailingsSent("c")
	IncMailingsSkipped("c")
	IncMailingsHeld("c")
	IncMailingsEnqueued("c")
	IncDeliveryErrors("c", "hook")
	IncSubscriptionEvent("c", "subscribed")
	ObserveSweepDuration("c", 1)
	IncSweepErrors("c")
	IncSweepSkipped("c")
	IncJobs("failed")
	IncAPIErrors("not_found")
}
