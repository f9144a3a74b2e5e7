package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_Singleton(t *testing.T) {
	a := Registry("quotebid")
	b := Registry("other")
	if a != b {
		t.Fatal("Registry must return the same instance")
	}
}

func TestRecordRequest(t *testing.T) {
	m := Registry("quotebid")

	before := testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "/v1/opportunities", "200"))
	m.RecordRequest("GET", "/v1/opportunities", "200", 25*time.Millisecond)
	after := testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "/v1/opportunities", "200"))

	if after != before+1 {
		t.Errorf("expected counter to increment, before=%v after=%v", before, after)
	}
}

func TestObserveCycle_OutcomeLabels(t *testing.T) {
	m := Registry("quotebid")

	m.ObserveCycle("alerts", 10*time.Millisecond, false)
	m.ObserveCycle("alerts", 10*time.Millisecond, true)

	if v := testutil.ToFloat64(m.SchedulerCycles.WithLabelValues("alerts", "ok")); v < 1 {
		t.Errorf("expected ok cycle recorded, got %v", v)
	}
	if v := testutil.ToFloat64(m.SchedulerCycles.WithLabelValues("alerts", "error")); v < 1 {
		t.Errorf("expected error cycle recorded, got %v", v)
	}
}

func TestRecordEmail(t *testing.T) {
	m := Registry("quotebid")

	m.RecordEmail("opportunity_alert", true)
	m.RecordEmail("opportunity_alert", false)

	if v := testutil.ToFloat64(m.EmailsDelivered.WithLabelValues("opportunity_alert", "delivered")); v < 1 {
		t.Errorf("expected delivered email recorded, got %v", v)
	}
	if v := testutil.ToFloat64(m.EmailsDelivered.WithLabelValues("opportunity_alert", "failed")); v < 1 {
		t.Errorf("expected failed email recorded, got %v", v)
	}
}

func TestRecordCharge(t *testing.T) {
	m := Registry("quotebid")

	m.RecordCharge("paid")
	if v := testutil.ToFloat64(m.BillingCharges.WithLabelValues("paid")); v < 1 {
		t.Errorf("expected paid charge recorded, got %v", v)
	}
}
