package ctrace

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/calyxir/waveprof/container"
)

// Meta bundles the static structural metadata built from the compiler's
// structural dump. It is constructed once, before any waveform event is
// processed, and is read-only afterwards except for the one-time
// AddSignalPrefix normalization.
type Meta struct {
	Paths *Interner
	Cells *CellMetadata
	Ctrl  *ControlMetadata

	prefixed bool
}

// CellMetadata answers which component a cell instantiates and where the
// design's main cell lives.
type CellMetadata struct {
	paths *Interner

	MainComponent string
	MainCell      Path

	componentOf map[Path]string
	cellsOf     map[string][]Path
	// component -> logical cell -> physical replacement chosen by
	// resource sharing
	shared map[string]map[string]string
}

// ControlGroup describes one compiler-synthesized control construct: an
// FSM-driven sequencer ("tdcc") or a parallel fork/join ("par").
type ControlGroup struct {
	Name        string
	Kind        string
	Desc        string
	Pos         string
	FSMs        []string
	ParDoneRegs []string
	ChildGroups []string
	Primitives  []string
}

// ControlMetadata holds per-component control constructs and the descriptor
// table. Descriptors encode static nesting: descriptor A names an ancestor of
// descriptor B iff A is a proper prefix of B. User groups carry descriptors
// too, so control groups can be anchored above a running group.
type ControlMetadata struct {
	groups map[string]map[string]*ControlGroup
	descs  map[string]map[string]string
	pos    map[string]map[string]string

	// register base name -> true, across all components; used to register
	// waveform interest before the owning cell is known
	fsmRegs container.Set[string]
	pdRegs  container.Set[string]
}

type componentRecord struct {
	Component string `json:"component"`
	IsMain    bool   `json:"is_main_component"`
	CellInfo  []struct {
		CellName      string `json:"cell_name"`
		ComponentName string `json:"component_name"`
	} `json:"cell_info"`
	GroupInfo []struct {
		Group string `json:"group"`
		Desc  string `json:"desc"`
		Pos   string `json:"pos"`
	} `json:"group_info"`
	ControlInfo []struct {
		Group       string   `json:"group"`
		Kind        string   `json:"kind"`
		Desc        string   `json:"desc"`
		Pos         string   `json:"pos"`
		FSMs        []string `json:"fsms"`
		ParDoneRegs []string `json:"par_done_regs"`
		ChildGroups []string `json:"child_groups"`
		Primitives  []string `json:"primitives"`
	} `json:"control_info"`
	SharedCells []struct {
		Logical  string `json:"logical"`
		Physical string `json:"physical"`
	} `json:"shared_cells"`
}

// LoadMeta reads the structural dump (cells.json) and builds the metadata.
// Cell names in the dump are rooted at the main cell's instance name; the
// simulator prefix is grafted on later via AddSignalPrefix.
func LoadMeta(r io.Reader) (*Meta, error) {
	var records []componentRecord
	dec := json.NewDecoder(r)
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("malformed structural dump: %v", err)
	}

	in := NewInterner()
	cm := &CellMetadata{
		paths:       in,
		componentOf: map[Path]string{},
		cellsOf:     map[string][]Path{},
		shared:      map[string]map[string]string{},
	}
	ctrl := &ControlMetadata{
		groups:  map[string]map[string]*ControlGroup{},
		descs:   map[string]map[string]string{},
		pos:     map[string]map[string]string{},
		fsmRegs: container.Set[string]{},
		pdRegs:  container.Set[string]{},
	}

	for i := range records {
		rec := &records[i]
		if rec.Component == "" {
			return nil, fmt.Errorf("structural dump record %d has no component name", i)
		}
		for _, ci := range rec.CellInfo {
			p := in.InternDotted(ci.CellName)
			if prev, ok := cm.componentOf[p]; ok && prev != componentName(rec, ci.ComponentName) {
				return nil, profErrorf(ci.CellName, "instantiates both %s and %s in the structural dump", prev, componentName(rec, ci.ComponentName))
			}
			comp := componentName(rec, ci.ComponentName)
			cm.componentOf[p] = comp
			cm.cellsOf[comp] = append(cm.cellsOf[comp], p)
		}
		if rec.IsMain {
			if cm.MainComponent != "" {
				return nil, fmt.Errorf("structural dump marks both %s and %s as the main component", cm.MainComponent, rec.Component)
			}
			cm.MainComponent = rec.Component
			cells := cm.cellsOf[rec.Component]
			if len(cells) != 1 {
				return nil, fmt.Errorf("main component %s has %d cells, want exactly 1", rec.Component, len(cells))
			}
			cm.MainCell = cells[0]
		}
		for _, sc := range rec.SharedCells {
			m := cm.shared[rec.Component]
			if m == nil {
				m = map[string]string{}
				cm.shared[rec.Component] = m
			}
			m[sc.Logical] = sc.Physical
		}
		for _, gi := range rec.GroupInfo {
			ctrl.setDesc(rec.Component, gi.Group, gi.Desc)
			ctrl.setPos(rec.Component, gi.Group, gi.Pos)
		}
		for _, ci := range rec.ControlInfo {
			cg := &ControlGroup{
				Name:        ci.Group,
				Kind:        ci.Kind,
				Desc:        ci.Desc,
				Pos:         ci.Pos,
				FSMs:        ci.FSMs,
				ParDoneRegs: ci.ParDoneRegs,
				ChildGroups: ci.ChildGroups,
				Primitives:  ci.Primitives,
			}
			m := ctrl.groups[rec.Component]
			if m == nil {
				m = map[string]*ControlGroup{}
				ctrl.groups[rec.Component] = m
			}
			m[ci.Group] = cg
			ctrl.setDesc(rec.Component, ci.Group, ci.Desc)
			ctrl.setPos(rec.Component, ci.Group, ci.Pos)
			for _, reg := range ci.FSMs {
				ctrl.fsmRegs.Add(reg)
			}
			for _, reg := range ci.ParDoneRegs {
				ctrl.pdRegs.Add(reg)
			}
		}
	}

	if cm.MainComponent == "" {
		return nil, fmt.Errorf("structural dump has no main component")
	}

	return &Meta{Paths: in, Cells: cm, Ctrl: ctrl}, nil
}

func componentName(rec *componentRecord, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return rec.Component
}

// AddSignalPrefix grafts the simulator's hierarchy prefix (for example
// "TOP.toplevel") onto every stored qualified name. It must be called
// exactly once, after the prefix has been discovered from the clock signal
// and before any name lookup; calling it twice is a programming error.
func (m *Meta) AddSignalPrefix(prefix string) {
	if m.prefixed {
		panic("AddSignalPrefix called twice")
	}
	m.prefixed = true
	m.Paths.Rebase(prefix)
}

// ComponentOfCell returns the component the cell instantiates. An unknown
// cell is a fatal structural mismatch, never silently defaulted.
func (cm *CellMetadata) ComponentOfCell(p Path) (string, error) {
	comp, ok := cm.componentOf[p]
	if !ok {
		return "", profErrorf(cm.paths.Name(p), "cell not present in the structural dump; waveform and dump are from different compiler runs?")
	}
	return comp, nil
}

// KnownCell reports whether the path names a cell from the structural dump.
func (cm *CellMetadata) KnownCell(p Path) bool {
	_, ok := cm.componentOf[p]
	return ok
}

// CellsOf returns the cells instantiating the component.
func (cm *CellMetadata) CellsOf(component string) []Path {
	return cm.cellsOf[component]
}

// Replacement returns the physical cell that resource sharing substituted
// for the logical cell, if any.
func (cm *CellMetadata) Replacement(component, logical string) (string, bool) {
	phys, ok := cm.shared[component][logical]
	return phys, ok
}

func (ctrl *ControlMetadata) setDesc(component, group, desc string) {
	if desc == "" {
		return
	}
	m := ctrl.descs[component]
	if m == nil {
		m = map[string]string{}
		ctrl.descs[component] = m
	}
	m[group] = desc
}

func (ctrl *ControlMetadata) setPos(component, group, pos string) {
	if pos == "" {
		return
	}
	m := ctrl.pos[component]
	if m == nil {
		m = map[string]string{}
		ctrl.pos[component] = m
	}
	m[group] = pos
}

// Desc returns the nesting descriptor for a group (user or control) of the
// component.
func (ctrl *ControlMetadata) Desc(component, group string) (string, bool) {
	d, ok := ctrl.descs[component][group]
	return d, ok
}

// Pos returns the source location for a group of the component, or "".
func (ctrl *ControlMetadata) Pos(component, group string) string {
	return ctrl.pos[component][group]
}

// Group returns the control construct named group inside component.
func (ctrl *ControlMetadata) Group(component, group string) (*ControlGroup, bool) {
	cg, ok := ctrl.groups[component][group]
	return cg, ok
}

// Groups returns all control constructs of the component.
func (ctrl *ControlMetadata) Groups(component string) map[string]*ControlGroup {
	return ctrl.groups[component]
}

// IsFSMReg and IsParDoneReg report whether the register base name implements
// a control construct in any component. They gate waveform registration,
// which happens before signals are tied to cells.
func (ctrl *ControlMetadata) IsFSMReg(reg string) bool {
	return ctrl.fsmRegs.Contains(reg)
}

func (ctrl *ControlMetadata) IsParDoneReg(reg string) bool {
	return ctrl.pdRegs.Contains(reg)
}
