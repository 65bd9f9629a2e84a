package ctrace

import "fmt"

// Validate checks the internal consistency of a fully built (and possibly
// overlaid) trace. It is meant for tests and debugging sessions, not for the
// hot path.
func (tr *Trace) Validate() error {
	for i := range tr.Cycles {
		ct := &tr.Cycles[i]

		useful := false
		for _, s := range ct.Stacks {
			if len(s) == 0 {
				return fmt.Errorf("cycle %d: empty stack", i)
			}
			if !s[0].Main || s[0].Kind != ElemCell {
				return fmt.Errorf("cycle %d: stack does not start at the main cell: %s", i, s.Render(RenderCalyx))
			}
			switch s.Leaf().Kind {
			case ElemGroup, ElemPrimitive:
				useful = true
			}

			// Control groups inserted next to each other must be ordered
			// ancestor first, which their descriptors encode as prefix
			// order.
			for j := 1; j < len(s); j++ {
				if s[j].Kind == ElemControl && s[j-1].Kind == ElemControl && s[j-1].Desc > s[j].Desc {
					return fmt.Errorf("cycle %d: control groups out of nesting order: %s before %s", i, s[j-1].Name, s[j].Name)
				}
			}
		}
		if useful != ct.Useful {
			return fmt.Errorf("cycle %d: Useful is %v, stacks say %v", i, ct.Useful, useful)
		}

		// Each concurrent branch should be its own stack; a stack that is a
		// proper prefix of another means a parent leaked past the leaf
		// filter.
		for a := range ct.Stacks {
			for b := range ct.Stacks {
				if a != b && stackIsProperPrefix(ct.Stacks[a], ct.Stacks[b]) {
					return fmt.Errorf("cycle %d: stack %s is a prefix of %s", i, ct.Stacks[a].Render(RenderCalyx), ct.Stacks[b].Render(RenderCalyx))
				}
			}
		}
	}
	return nil
}

func stackIsProperPrefix(a, b Stack) bool {
	if len(a) >= len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Kind != y.Kind || x.Name != y.Name || x.Component != y.Component {
			return false
		}
	}
	return true
}
