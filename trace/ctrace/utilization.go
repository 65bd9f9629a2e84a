package ctrace

import (
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/container"
)

// Utilization is the synthesis utilization report: fully-qualified module
// path -> metric name -> value (LUTs, FFs, DSPs, whatever the synthesis tool
// emitted). Access is tracked so a completeness check can report synthesized
// modules never attributed to any stack.
type Utilization struct {
	modules  map[string]map[string]float64
	accessed container.Set[string]
}

// LoadUtilization reads the flat JSON report. Metric values must be numeric;
// anything else is fatal and names the offending entity.
func LoadUtilization(r io.Reader) (*Utilization, error) {
	var raw map[string]map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed utilization report: %v", err)
	}
	u := &Utilization{
		modules:  make(map[string]map[string]float64, len(raw)),
		accessed: container.Set[string]{},
	}
	for name, metrics := range raw {
		m := make(map[string]float64, len(metrics))
		for metric, v := range metrics {
			f, ok := v.(float64)
			if !ok {
				return nil, profErrorf(name, "utilization metric %s is %T, not a number", metric, v)
			}
			m[metric] = f
		}
		u.modules[name] = m
	}
	return u, nil
}

// Module returns the metrics recorded for the fully-qualified module name and
// marks it accessed.
func (u *Utilization) Module(name string) (map[string]float64, bool) {
	m, ok := u.modules[name]
	if ok {
		u.accessed.Add(name)
	}
	return m, ok
}

// Unaccessed returns the modules never consulted, sorted. A non-empty result
// after a full overlay means some synthesized hardware was not attributed to
// any stack.
func (u *Utilization) Unaccessed() []string {
	var out []string
	for name := range u.modules {
		if !u.accessed.Contains(name) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// OverlayUtilization fills each cycle's Util map: active primitives are
// attributed individually; a control group's implementing registers (FSM,
// par-done, helper primitives) are summed under the control group's own
// qualified name, since users reason about the flow construct rather than
// its registers.
func (tr *Trace) OverlayUtilization(util *Utilization) {
	meta := tr.Meta
	for i := range tr.Cycles {
		ct := &tr.Cycles[i]
		seen := container.Set[string]{}
		for _, s := range ct.Stacks {
			cur := meta.Cells.MainCell
			for j, e := range s {
				switch e.Kind {
				case ElemCell:
					if j > 0 {
						name := e.Name
						if phys, ok := e.Replacement.Get(); ok {
							name = phys
						}
						cur = meta.Paths.Join(cur, name)
					}
				case ElemPrimitive:
					name := e.Name
					if phys, ok := e.Replacement.Get(); ok {
						name = phys
					}
					qual := meta.Paths.Name(cur) + "." + name
					if seen.Contains(qual) {
						continue
					}
					seen.Add(qual)
					if m, ok := util.Module(qual); ok {
						addUtil(ct, qual, m)
					}
				case ElemControl:
					comp, err := meta.Cells.ComponentOfCell(cur)
					if err != nil {
						panic(err)
					}
					qual := meta.Paths.Name(cur) + "." + e.Name
					if seen.Contains(qual) {
						continue
					}
					seen.Add(qual)
					cg, ok := meta.Ctrl.Group(comp, e.Name)
					if !ok {
						continue
					}
					for _, lists := range [][]string{cg.FSMs, cg.ParDoneRegs, cg.Primitives} {
						for _, reg := range lists {
							if m, ok := util.Module(meta.Paths.Name(cur) + "." + reg); ok {
								addUtil(ct, qual, m)
							}
						}
					}
				}
			}
		}
	}
}

func addUtil(ct *CycleTrace, entity string, metrics map[string]float64) {
	if ct.Util == nil {
		ct.Util = map[string]map[string]float64{}
	}
	m := ct.Util[entity]
	if m == nil {
		m = map[string]float64{}
		ct.Util[entity] = m
	}
	for metric, v := range metrics {
		m[metric] += v
	}
}
