// Package ctrace reconstructs per-cycle call stacks from a Calyx design's
// waveform dump and structural metadata.
package ctrace

import (
	"io"
	"strings"

	"github.com/calyxir/waveprof/container"
	"github.com/calyxir/waveprof/slices"
	"github.com/calyxir/waveprof/trace"
)

type ElemKind uint8

const (
	ElemCell ElemKind = iota
	ElemGroup
	ElemPrimitive
	ElemControl
)

// StackElement is one node of a reconstructed call stack. Elements are owned
// by the stack holding them; stacks are rebuilt fresh each cycle, so the same
// design entity shows up as distinct values across cycles.
type StackElement struct {
	Kind ElemKind
	// Base name of the entity (cell instance, group, primitive or control
	// group).
	Name string
	// Owning component, set on every cell except the main cell.
	Component string
	// Physical cell substituted by resource sharing, if any.
	Replacement container.Option[string]
	// Nesting descriptor, set on control groups that have one.
	Desc string
	// Source location, when the metadata carries one.
	Pos  string
	Main bool
}

// Stack is a single call stack, root (main cell) to leaf.
type Stack []StackElement

// Leaf returns the stack's last element.
func (s Stack) Leaf() StackElement {
	return s[len(s)-1]
}

// CycleTrace is everything active during one clock cycle: zero or more
// concurrent stacks. Useful is true iff at least one stack bottoms out in a
// group or primitive; cycles where only control bookkeeping (FSM updates,
// par-done writes) happens are not useful work.
type CycleTrace struct {
	Stacks []Stack
	Useful bool

	// Snapshot of FSM register values (qualified name -> value) and par-done
	// registers written this cycle, for timeline annotation.
	FSM     map[string]uint64
	ParDone []string

	// Active control groups per cell, consumed by the control overlay.
	ctrl map[Path][]string
	// Per-cycle utilization aggregates, filled in by the utilization
	// overlay: entity -> metric -> value.
	Util map[string]map[string]float64
}

// Trace is the dense sequence of cycle traces from main.go to main.done.
// Index i is cycle i; there are no gaps.
type Trace struct {
	Cycles []CycleTrace
	Meta   *Meta
}

// Parse reads the waveform dump and reconstructs the trace. meta must be
// freshly loaded: Parse discovers the simulator's signal prefix from the
// clock signal and applies it to meta exactly once. Non-fatal oddities
// (probe skew, a dump truncated before the design finished) are routed
// through warn; a nil warn gets a default collector.
func Parse(r io.Reader, meta *Meta, warn *Warnings) (*Trace, error) {
	if warn == nil {
		warn = NewWarnings()
	}
	c := newClassifier(meta, warn)
	if err := trace.Parse(r, c.interested, c); err != nil {
		return nil, err
	}
	if c.started && !c.finished {
		warn.warnOnce("truncated dump",
			"waveform ended before %s.done went high; the trace is truncated at %d cycles",
			meta.Paths.Name(meta.Cells.MainCell), len(c.cycles))
	}
	return &Trace{Cycles: c.cycles, Meta: meta}, nil
}

type RenderMode uint8

const (
	// RenderCalyx renders internal names only.
	RenderCalyx RenderMode = iota
	// RenderSourceLoc renders source locations where known.
	RenderSourceLoc
	// RenderHybrid renders internal names annotated with source locations.
	RenderHybrid
)

// Render returns the element's display form. The result never contains ";",
// which SplitRendered and the flame graph writer use as the stack separator.
func (e StackElement) Render(mode RenderMode) string {
	var out string
	switch mode {
	case RenderCalyx:
		out = e.renderName()
	case RenderSourceLoc:
		if e.Pos != "" {
			out = e.Pos
		} else {
			out = e.renderName()
		}
	case RenderHybrid:
		out = e.renderName()
		if e.Pos != "" {
			out += " @ " + e.Pos
		}
	default:
		panic("unknown render mode")
	}
	return strings.ReplaceAll(out, ";", ":")
}

func (e StackElement) renderName() string {
	switch e.Kind {
	case ElemCell:
		if e.Main {
			return e.Name
		}
		name := e.Name
		if repl, ok := e.Replacement.Get(); ok {
			name += " (via " + repl + ")"
		}
		return name + "[" + e.Component + "]"
	case ElemGroup, ElemControl:
		return e.Name
	case ElemPrimitive:
		if repl, ok := e.Replacement.Get(); ok {
			return e.Name + " (via " + repl + ")"
		}
		return e.Name
	default:
		panic("unknown element kind")
	}
}

// Render renders the whole stack, root to leaf, ";"-separated.
func (s Stack) Render(mode RenderMode) string {
	segs := make([]string, len(s))
	for i, e := range s {
		segs[i] = e.Render(mode)
	}
	return strings.Join(segs, ";")
}

// SplitRendered splits a rendered stack back into its per-element segments.
func SplitRendered(s string) []string {
	return strings.Split(s, ";")
}

func (s Stack) clone() Stack {
	return slices.Clone(s)
}

// extend returns a new stack with e appended; the receiver is never
// modified, so stacks can share prefixes safely during construction.
func (s Stack) extend(e StackElement) Stack {
	out := make(Stack, len(s), len(s)+1)
	copy(out, s)
	return append(out, e)
}
