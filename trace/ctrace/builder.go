package ctrace

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/container"
	wslices "github.com/calyxir/waveprof/slices"
)

// elemID identifies one design element within a cycle: a cell (name == ""),
// or a group/primitive inside that cell.
type elemID struct {
	cell Path
	name string
}

// buildCycle turns one cycle's classified signals into a CycleTrace. It walks
// the active cells as a worklist rooted at the main cell, computing a stack
// for every reachable element, and marks every element that gained a child as
// a parent. The cycle's stacks are the non-parents: each concurrently active
// branch ends up as exactly one stack, with no stack a prefix of another.
func buildCycle(meta *Meta, sig *cycleSignals, warn *Warnings) (CycleTrace, error) {
	ct := CycleTrace{
		FSM:     sig.fsm,
		ParDone: sig.parDone,
		ctrl:    map[Path][]string{},
	}
	for cell, groups := range sig.ctrl {
		ct.ctrl[cell] = container.Sorted(groups)
	}

	main := meta.Cells.MainCell
	if !sig.cells.Contains(main) {
		return ct, nil
	}

	stacks := map[elemID]Stack{}
	parents := container.Set[elemID]{}
	stacks[elemID{main, ""}] = Stack{{
		Kind: ElemCell,
		Name: meta.Paths.Base(main),
		Main: true,
	}}
	worklist := []Path{main}

	for len(worklist) > 0 {
		cell, rest, _ := wslices.Pop(worklist)
		worklist = rest
		comp, err := meta.Cells.ComponentOfCell(cell)
		if err != nil {
			return ct, err
		}
		cellStack := stacks[elemID{cell, ""}]

		active := container.Sorted(sig.groups[cell])
		seParents := sig.seParents[cell]

		// Control-enabled groups hang directly off the cell; only groups
		// that are the target of a structural-enable edge wait for their
		// parent's stack.
		var uncovered []string
		for _, g := range active {
			if len(seParents[g]) == 0 {
				stacks[elemID{cell, g}] = cellStack.extend(groupElement(meta, comp, g))
				parents.Add(elemID{cell, ""})
			} else {
				uncovered = append(uncovered, g)
			}
		}

		// Fixed point over the structural-enable edges. Chains are bounded
		// by group nesting depth, so one pass per uncovered group is enough;
		// a pass without progress means the enable graph is cyclic or
		// disconnected this cycle and we fail instead of spinning.
		for round := len(uncovered); len(uncovered) > 0; round-- {
			if round == 0 {
				return ct, profErrorf(
					meta.Paths.Name(cell),
					"structural-enable graph has a cycle or disconnected groups: %s",
					strings.Join(uncovered, ", "),
				)
			}
			progressed := false
			rest := uncovered[:0]
			for _, g := range uncovered {
				par, ok := coveredParent(stacks, cell, seParents[g])
				if !ok {
					rest = append(rest, g)
					continue
				}
				stacks[elemID{cell, g}] = stacks[elemID{cell, par}].extend(groupElement(meta, comp, g))
				parents.Add(elemID{cell, par})
				progressed = true
			}
			uncovered = rest
			if !progressed && len(uncovered) > 0 {
				return ct, profErrorf(
					meta.Paths.Name(cell),
					"structural-enable graph has a cycle or disconnected groups: %s",
					strings.Join(uncovered, ", "),
				)
			}
		}

		// Primitives are always leaves.
		prims := maps.Keys(sig.primEnables[cell])
		slices.Sort(prims)
		for _, prim := range prims {
			g := sig.primEnables[cell][prim]
			parStack, ok := stacks[elemID{cell, g}]
			if !ok {
				// Probe skew: the primitive probe is high but its enabling
				// group's isn't. Skip it, but make the mismatch visible.
				warn.warnOnce("prim "+meta.Paths.Name(cell)+"."+prim,
					"primitive %s in %s reports enabling group %s, which is not active; skipping the primitive",
					prim, meta.Paths.Name(cell), g)
				continue
			}
			elem := StackElement{Kind: ElemPrimitive, Name: prim}
			if phys, ok := meta.Cells.Replacement(comp, prim); ok {
				elem.Replacement = container.Some(phys)
			}
			stacks[elemID{cell, prim}] = parStack.extend(elem)
			parents.Add(elemID{cell, g})
		}

		// Invoked cells descend into their own component; resource sharing
		// may have substituted a physical cell for the logical name, and the
		// physical cell must actually be running.
		invoked := maps.Keys(sig.cellInvokes[cell])
		slices.Sort(invoked)
		for _, logical := range invoked {
			g := sig.cellInvokes[cell][logical]
			parStack, ok := stacks[elemID{cell, g}]
			if !ok {
				warn.warnOnce("invoke "+meta.Paths.Name(cell)+"."+logical,
					"cell %s in %s reports invoking group %s, which is not active; skipping the invocation",
					logical, meta.Paths.Name(cell), g)
				continue
			}
			elem := StackElement{Kind: ElemCell, Name: logical}
			physical := logical
			if phys, ok := meta.Cells.Replacement(comp, logical); ok {
				physical = phys
				elem.Replacement = container.Some(phys)
			}
			child := meta.Paths.Join(cell, physical)
			if !sig.cells.Contains(child) {
				return ct, profErrorf(
					meta.Paths.Name(cell)+"."+logical,
					"replacement cell %s is not active; resource-sharing bookkeeping is inconsistent",
					physical,
				)
			}
			childComp, err := meta.Cells.ComponentOfCell(child)
			if err != nil {
				return ct, err
			}
			elem.Component = childComp
			stacks[elemID{child, ""}] = parStack.extend(elem)
			parents.Add(elemID{cell, g})
			worklist = append(worklist, child)
		}
	}

	// The cycle's stacks are the leaves of the parent-marking relation.
	ids := maps.Keys(stacks)
	slices.SortFunc(ids, func(a, b elemID) int {
		if c := int(a.cell) - int(b.cell); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	for _, id := range ids {
		if parents.Contains(id) {
			continue
		}
		s := stacks[id]
		ct.Stacks = append(ct.Stacks, s)
		switch s.Leaf().Kind {
		case ElemGroup, ElemPrimitive:
			ct.Useful = true
		}
	}
	return ct, nil
}

func coveredParent(stacks map[elemID]Stack, cell Path, candidates container.Set[string]) (string, bool) {
	for _, par := range container.Sorted(candidates) {
		if _, ok := stacks[elemID{cell, par}]; ok {
			return par, true
		}
	}
	return "", false
}

func groupElement(meta *Meta, component, group string) StackElement {
	e := StackElement{Kind: ElemGroup, Name: group}
	if d, ok := meta.Ctrl.Desc(component, group); ok {
		e.Desc = d
	}
	e.Pos = meta.Ctrl.Pos(component, group)
	return e
}
