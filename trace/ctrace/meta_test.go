package ctrace

import (
	"errors"
	"strings"
	"testing"
)

func testMeta(t *testing.T, src string) *Meta {
	t.Helper()
	meta, err := LoadMeta(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	return meta
}

const basicMeta = `[
	{
		"component": "main",
		"is_main_component": true,
		"cell_info": [
			{"cell_name": "main"},
			{"cell_name": "main.adder_inst", "component_name": "std_add"},
			{"cell_name": "main.shared_mult_2", "component_name": "std_mult"}
		],
		"group_info": [
			{"group": "do_add", "desc": "0-0-", "pos": "dot.futil:12"},
			{"group": "g0", "desc": "0-1-"}
		],
		"control_info": [
			{"group": "tdcc0", "kind": "tdcc", "desc": "0-", "fsms": ["fsm0"]},
			{"group": "par0", "kind": "par", "desc": "1-", "par_done_regs": ["pd0", "pd1"]}
		],
		"shared_cells": [
			{"logical": "mult0", "physical": "shared_mult_2"}
		]
	},
	{
		"component": "std_add",
		"cell_info": []
	}
]`

func TestLoadMeta(t *testing.T) {
	meta := testMeta(t, basicMeta)
	if meta.Cells.MainComponent != "main" {
		t.Errorf("main component = %q", meta.Cells.MainComponent)
	}
	if got := meta.Paths.Name(meta.Cells.MainCell); got != "main" {
		t.Errorf("main cell = %q", got)
	}

	adder, ok := meta.Paths.Lookup("main.adder_inst")
	if !ok {
		t.Fatal("adder cell not interned")
	}
	comp, err := meta.Cells.ComponentOfCell(adder)
	if err != nil {
		t.Fatal(err)
	}
	if comp != "std_add" {
		t.Errorf("component of adder = %q", comp)
	}

	if phys, ok := meta.Cells.Replacement("main", "mult0"); !ok || phys != "shared_mult_2" {
		t.Errorf("replacement = %q, %v", phys, ok)
	}
	if _, ok := meta.Cells.Replacement("main", "adder_inst"); ok {
		t.Error("unshared cell reported a replacement")
	}

	if d, ok := meta.Ctrl.Desc("main", "tdcc0"); !ok || d != "0-" {
		t.Errorf("tdcc0 desc = %q, %v", d, ok)
	}
	if d, ok := meta.Ctrl.Desc("main", "do_add"); !ok || d != "0-0-" {
		t.Errorf("do_add desc = %q, %v", d, ok)
	}
	if !meta.Ctrl.IsFSMReg("fsm0") || meta.Ctrl.IsFSMReg("pd0") {
		t.Error("FSM register classification wrong")
	}
	if !meta.Ctrl.IsParDoneReg("pd1") || meta.Ctrl.IsParDoneReg("fsm0") {
		t.Error("par-done register classification wrong")
	}
}

func TestLoadMetaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no main", `[{"component": "main", "cell_info": [{"cell_name": "main"}]}]`},
		{"two mains", `[
			{"component": "a", "is_main_component": true, "cell_info": [{"cell_name": "a"}]},
			{"component": "b", "is_main_component": true, "cell_info": [{"cell_name": "b"}]}
		]`},
		{"main with two cells", `[{"component": "main", "is_main_component": true,
			"cell_info": [{"cell_name": "m1"}, {"cell_name": "m2"}]}]`},
		{"conflicting cell", `[{"component": "main", "is_main_component": true,
			"cell_info": [
				{"cell_name": "main"},
				{"cell_name": "main.x", "component_name": "a"},
				{"cell_name": "main.x", "component_name": "b"}
			]}]`},
		{"unnamed component", `[{"component": "", "cell_info": []}]`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadMeta(strings.NewReader(tt.src)); err == nil {
				t.Fatal("no error")
			}
		})
	}
}

func TestComponentOfCellUnknown(t *testing.T) {
	meta := testMeta(t, basicMeta)
	p := meta.Paths.InternDotted("main.bogus")
	_, err := meta.Cells.ComponentOfCell(p)
	var perr *ProfilerError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want a ProfilerError", err)
	}
	if !strings.Contains(perr.Entity, "main.bogus") {
		t.Errorf("error does not name the cell: %v", perr)
	}
}

func TestAddSignalPrefix(t *testing.T) {
	meta := testMeta(t, basicMeta)
	meta.AddSignalPrefix("TOP.dut")
	if got := meta.Paths.Name(meta.Cells.MainCell); got != "TOP.dut.main" {
		t.Errorf("main cell after prefix = %q", got)
	}
	if _, ok := meta.Paths.Lookup("TOP.dut.main.adder_inst"); !ok {
		t.Error("child cell not reachable under the prefix")
	}

	defer func() {
		if recover() == nil {
			t.Error("second AddSignalPrefix did not panic")
		}
	}()
	meta.AddSignalPrefix("TOP.dut")
}
