package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewWithRegistererRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.StimuliProcessed.WithLabelValues("event").Inc()
	m.RulesExecuted.WithLabelValues("r1").Inc()
	m.CascadeDepthHits.Inc()
	m.ActiveRules.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "reactor_active_rules" {
			found = true
			if len(f.Metric) != 1 || f.Metric[0].GetGauge().GetValue() != 3 {
				t.Fatalf("unexpected active_rules value: %+v", f.Metric)
			}
		}
	}
	if !found {
		t.Fatalf("expected reactor_active_rules to be registered")
	}
}

func TestCounterVecIncrementsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.ActionsExecuted.WithLabelValues("set_fact").Inc()
	m.ActionsExecuted.WithLabelValues("set_fact").Inc()
	m.ActionsExecuted.WithLabelValues("log").Inc()

	metric := &dto.Metric{}
	if err := m.ActionsExecuted.WithLabelValues("set_fact").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 set_fact actions, got %v", metric.GetCounter().GetValue())
	}
}
