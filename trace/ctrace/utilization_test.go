package ctrace

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadUtilizationBadMetric(t *testing.T) {
	_, err := LoadUtilization(strings.NewReader(`{"top.x": {"lut": "five"}}`))
	var perr *ProfilerError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want a ProfilerError", err)
	}
	if perr.Entity != "top.x" {
		t.Errorf("error names %q, want top.x", perr.Entity)
	}
}

func TestOverlayUtilization(t *testing.T) {
	tr := parseE2E(t)
	warn := NewWarnings()
	warn.Logf = t.Logf
	tr.OverlayControl(warn)

	util, err := LoadUtilization(strings.NewReader(`{
		"TOP.main.add_prim": {"lut": 5, "ff": 2},
		"TOP.main.fsm0": {"ff": 3},
		"TOP.main.unused": {"lut": 1}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	tr.OverlayUtilization(util)

	// The primitive is attributed under its own name; the FSM register is
	// folded into its control group.
	want := map[string]map[string]float64{
		"TOP.main.add_prim": {"lut": 5, "ff": 2},
		"TOP.main.tdcc0":    {"ff": 3},
	}
	if diff := cmp.Diff(want, tr.Cycles[1].Util); diff != "" {
		t.Errorf("cycle 1 utilization mismatch (-want +got):\n%s", diff)
	}
	if tr.Cycles[0].Util != nil {
		t.Errorf("idle cycle has utilization: %v", tr.Cycles[0].Util)
	}

	if diff := cmp.Diff([]string{"TOP.main.unused"}, util.Unaccessed()); diff != "" {
		t.Errorf("unaccessed mismatch (-want +got):\n%s", diff)
	}
}
