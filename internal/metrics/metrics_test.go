package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsRegistered(t *testing.T) {
	// Vectors only appear once a label set is used.
	BuildRecords.WithLabelValues(OutcomeChanged)
	Cycles.WithLabelValues(ResultNoop)
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{}
	for _, name := range []string{
		"bazel_compose_build_records_total",
		"bazel_compose_reconcile_cycles_total",
		"bazel_compose_fingerprint_unavailable_total",
		"bazel_compose_reconcile_cycle_duration_seconds",
		"bazel_compose_retag_duration_seconds",
		"bazel_compose_services_restarted_total",
	} {
		want[name] = false
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing collector %s", name)
		}
	}
}
