package ctrace

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/container"
)

// Warnings collects non-fatal diagnostics, deduplicated by key so a metadata
// gap produces one line per run instead of one per cycle.
type Warnings struct {
	seen     container.Set[string]
	Messages []string
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

func NewWarnings() *Warnings {
	return &Warnings{seen: container.Set[string]{}, Logf: log.Printf}
}

func (w *Warnings) warnOnce(key, format string, args ...any) {
	if w.seen.Contains(key) {
		return
	}
	w.seen.Add(key)
	msg := fmt.Sprintf(format, args...)
	w.Messages = append(w.Messages, msg)
	if w.Logf != nil {
		w.Logf("%s", msg)
	}
}

// ctrlActive is one active control group with its resolved descriptor.
type ctrlActive struct {
	name string
	desc string
	pos  string
}

// OverlayControl splices the compiler-synthesized control groups (FSM
// sequencers, par fork/joins) into every cycle's stacks. Control groups have
// no structural-enable edges; their position is reconstructed from nesting
// descriptors, where descriptor A names an ancestor of B iff A is a proper
// prefix of B.
//
// The pass is sequential across cycles: a control group active while none of
// its cell's user groups are running (an idle par arm between FSM updates)
// gets a synthetic stack built from the invoking cell's most recent stack
// prefix, which may date from an earlier cycle.
func (tr *Trace) OverlayControl(warn *Warnings) {
	lastPrefix := map[Path]Stack{}
	for i := range tr.Cycles {
		tr.overlayCycle(&tr.Cycles[i], lastPrefix, warn)
	}
}

func (tr *Trace) overlayCycle(ct *CycleTrace, lastPrefix map[Path]Stack, warn *Warnings) {
	attached := container.Set[elemID]{}
	out := make([]Stack, 0, len(ct.Stacks))
	for _, s := range ct.Stacks {
		out = append(out, tr.overlayStack(ct, s, attached, lastPrefix, warn)...)
	}

	// Control groups active this cycle but not attached to any stack are
	// concurrent with, not ancestors of, the running user groups. Their leaf
	// members (quadratic pairwise prefix test, the active count is small)
	// get synthetic stacks from the owning cell's last known prefix.
	cells := maps.Keys(ct.ctrl)
	slices.Sort(cells)
	for _, cell := range cells {
		active := tr.ctrlWithDescs(ct, cell, warn)
		prefix, ok := lastPrefix[cell]
		if !ok {
			continue
		}
		for _, cg := range active {
			if attached.Contains(elemID{cell, cg.name}) || !isCtrlLeaf(cg, active) {
				continue
			}
			s := prefix.clone()
			for _, anc := range active {
				if properPrefix(anc.desc, cg.desc) {
					s = append(s, ctrlElement(anc))
					attached.Add(elemID{cell, anc.name})
				}
			}
			s = append(s, ctrlElement(cg))
			attached.Add(elemID{cell, cg.name})
			out = append(out, s)
		}
	}
	ct.Stacks = out
}

// overlayStack rebuilds one stack with control groups inserted. It usually
// returns a single stack; a stack whose leaf is a cell fans out into one
// stack per leaf control group active in that cell.
func (tr *Trace) overlayStack(ct *CycleTrace, s Stack, attached container.Set[elemID], lastPrefix map[Path]Stack, warn *Warnings) []Stack {
	meta := tr.Meta
	cur := meta.Cells.MainCell
	out := make(Stack, 0, len(s)+2)

	for i, e := range s {
		if e.Kind != ElemCell {
			out = append(out, e)
			continue
		}
		if i > 0 {
			name := e.Name
			if phys, ok := e.Replacement.Get(); ok {
				name = phys
			}
			cur = meta.Paths.Join(cur, name)
		}
		out = append(out, e)
		lastPrefix[cur] = out.clone()

		// Anchored insertion: the group right after the cell names, via its
		// descriptor, exactly the control groups sitting between them.
		if i+1 < len(s) && s[i+1].Kind == ElemGroup && s[i+1].Desc != "" {
			for _, cg := range tr.ctrlWithDescs(ct, cur, warn) {
				if properPrefix(cg.desc, s[i+1].Desc) {
					out = append(out, ctrlElement(cg))
					attached.Add(elemID{cur, cg.name})
				}
			}
		}
	}

	if s.Leaf().Kind == ElemCell {
		// No user group to anchor on; every leaf control group of the cell
		// becomes its own stack, below its ordered ancestor chain.
		active := tr.ctrlWithDescs(ct, cur, warn)
		var fan []Stack
		for _, cg := range active {
			if !isCtrlLeaf(cg, active) {
				continue
			}
			ns := out.clone()
			for _, anc := range active {
				if properPrefix(anc.desc, cg.desc) {
					ns = append(ns, ctrlElement(anc))
					attached.Add(elemID{cur, anc.name})
				}
			}
			ns = append(ns, ctrlElement(cg))
			attached.Add(elemID{cur, cg.name})
			fan = append(fan, ns)
		}
		if len(fan) > 0 {
			return fan
		}
	}
	return []Stack{out}
}

// ctrlWithDescs returns the cycle's active control groups of cell that have a
// descriptor, sorted by descriptor so ancestors precede descendants. Groups
// without a descriptor are a metadata-construction gap: warn once, omit.
func (tr *Trace) ctrlWithDescs(ct *CycleTrace, cell Path, warn *Warnings) []ctrlActive {
	names := ct.ctrl[cell]
	if len(names) == 0 {
		return nil
	}
	comp, err := tr.Meta.Cells.ComponentOfCell(cell)
	if err != nil {
		// Control probes resolved against the metadata during
		// classification, so the cell is known.
		panic(err)
	}
	out := make([]ctrlActive, 0, len(names))
	for _, name := range names {
		desc, ok := tr.Meta.Ctrl.Desc(comp, name)
		if !ok {
			warn.warnOnce(comp+"/"+name, "control group %s in component %s has no nesting descriptor; omitting it from the overlay", name, comp)
			continue
		}
		out = append(out, ctrlActive{name: name, desc: desc, pos: tr.Meta.Ctrl.Pos(comp, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc < out[j].desc })
	return out
}

func ctrlElement(cg ctrlActive) StackElement {
	return StackElement{Kind: ElemControl, Name: cg.name, Desc: cg.desc, Pos: cg.pos}
}

func properPrefix(a, b string) bool {
	return a != b && strings.HasPrefix(b, a)
}

// isCtrlLeaf reports whether no other active descriptor nests below cg.
func isCtrlLeaf(cg ctrlActive, active []ctrlActive) bool {
	for _, other := range active {
		if properPrefix(cg.desc, other.desc) {
			return false
		}
	}
	return true
}
