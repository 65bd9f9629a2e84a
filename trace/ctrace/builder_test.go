package ctrace

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calyxir/waveprof/container"
)

func cellPath(t *testing.T, meta *Meta, name string) Path {
	t.Helper()
	p, ok := meta.Paths.Lookup(name)
	if !ok {
		t.Fatalf("cell %s not interned", name)
	}
	return p
}

func renderCycle(ct CycleTrace) []string {
	out := make([]string, len(ct.Stacks))
	for i, s := range ct.Stacks {
		out[i] = s.Render(RenderCalyx)
	}
	return out
}

func buildTestCycle(t *testing.T, meta *Meta, sig *cycleSignals) (CycleTrace, error) {
	t.Helper()
	warn := NewWarnings()
	warn.Logf = t.Logf
	return buildCycle(meta, sig, warn)
}

func emptySignals() *cycleSignals {
	return &cycleSignals{
		cells:       container.Set[Path]{},
		groups:      map[Path]container.Set[string]{},
		seParents:   map[Path]map[string]container.Set[string]{},
		primEnables: map[Path]map[string]string{},
		cellInvokes: map[Path]map[string]string{},
		ctrl:        map[Path]container.Set[string]{},
	}
}

func TestBuildCycleSingleGroup(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	// Idle cycle: main is running but no group is.
	sig := emptySignals()
	sig.cells.Add(main)
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
	if ct.Useful {
		t.Error("cycle with only a running cell counted as useful")
	}

	// One control-enabled group.
	sig.groups[main] = container.NewSet("g0")
	ct, err = buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main;g0"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
	if !ct.Useful {
		t.Error("cycle ending in a group not counted as useful")
	}
}

func TestBuildCycleParallelGroups(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	sig := emptySignals()
	sig.cells.Add(main)
	sig.groups[main] = container.NewSet("do_add", "g0")
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main;do_add", "main;g0"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCycleStructuralEnable(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	// g0 is structurally enabled by do_add, so it nests below it instead of
	// forming its own stack.
	sig := emptySignals()
	sig.cells.Add(main)
	sig.groups[main] = container.NewSet("do_add", "g0")
	sig.seParents[main] = map[string]container.Set[string]{
		"g0": container.NewSet("do_add"),
	}
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main;do_add;g0"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCycleStructuralEnableCycle(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	// do_add and g0 enable each other; the resolution loop must detect this
	// and fail instead of spinning.
	sig := emptySignals()
	sig.cells.Add(main)
	sig.groups[main] = container.NewSet("do_add", "g0")
	sig.seParents[main] = map[string]container.Set[string]{
		"g0":     container.NewSet("do_add"),
		"do_add": container.NewSet("g0"),
	}
	_, err := buildTestCycle(t, meta, sig)
	var perr *ProfilerError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want a ProfilerError", err)
	}
}

func TestBuildCyclePrimitive(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	sig := emptySignals()
	sig.cells.Add(main)
	sig.groups[main] = container.NewSet("do_add")
	sig.primEnables[main] = map[string]string{"add_prim": "do_add"}
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main;do_add;add_prim"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCycleCellInvoke(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	sig := emptySignals()
	sig.cells.Add(main)
	sig.cells.Add(cellPath(t, meta, "main.adder_inst"))
	sig.groups[main] = container.NewSet("do_add")
	sig.cellInvokes[main] = map[string]string{"adder_inst": "do_add"}
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main;do_add;adder_inst[std_add]"}, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCycleSharedReplacement(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	sig := emptySignals()
	sig.cells.Add(main)
	sig.cells.Add(cellPath(t, meta, "main.shared_mult_2"))
	sig.groups[main] = container.NewSet("do_add")
	sig.cellInvokes[main] = map[string]string{"mult0": "do_add"}
	ct, err := buildTestCycle(t, meta, sig)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"main;do_add;mult0 (via shared_mult_2)[std_mult]"}
	if diff := cmp.Diff(want, renderCycle(ct)); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCycleSharedReplacementMissing(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	// mult0 resolves to shared_mult_2, which is not in the active set. That
	// is a resource-sharing bookkeeping bug and must fail loudly, not drop
	// the stack.
	sig := emptySignals()
	sig.cells.Add(main)
	sig.groups[main] = container.NewSet("do_add")
	sig.cellInvokes[main] = map[string]string{"mult0": "do_add"}
	_, err := buildTestCycle(t, meta, sig)
	var perr *ProfilerError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want a ProfilerError", err)
	}
}

func TestBuildCycleOrphanProbes(t *testing.T) {
	meta := testMeta(t, basicMeta)
	main := meta.Cells.MainCell

	// A primitive probe and an invoke probe both name an enabling group
	// whose own probe is low. The elements are dropped, but the skew is
	// reported, once per entity across cycles.
	sig := emptySignals()
	sig.cells.Add(main)
	sig.cells.Add(cellPath(t, meta, "main.adder_inst"))
	sig.primEnables[main] = map[string]string{"add_prim": "do_add"}
	sig.cellInvokes[main] = map[string]string{"adder_inst": "do_add"}

	warn := NewWarnings()
	warn.Logf = t.Logf
	for cycle := 0; cycle < 2; cycle++ {
		ct, err := buildCycle(meta, sig, warn)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"main"}, renderCycle(ct)); diff != "" {
			t.Errorf("stacks mismatch (-want +got):\n%s", diff)
		}
	}
	if len(warn.Messages) != 2 {
		t.Fatalf("got %d warnings, want one per orphaned probe: %v", len(warn.Messages), warn.Messages)
	}
}

func TestBuildCycleInactiveMain(t *testing.T) {
	meta := testMeta(t, basicMeta)
	ct, err := buildTestCycle(t, meta, emptySignals())
	if err != nil {
		t.Fatal(err)
	}
	if len(ct.Stacks) != 0 || ct.Useful {
		t.Errorf("expected an empty cycle, got %+v", ct)
	}
}
