package ctrace

import (
	"sort"
	"strings"

	"github.com/calyxir/waveprof/container"
	"github.com/calyxir/waveprof/trace"
)

type probeKind uint8

const (
	probeNone probeKind = iota
	probeClk
	probeGo
	probeDone
	probeGroup     // {group}__{component}_group_probe_out
	probeSE        // {child}__{parent}__{component}_se_probe_out
	probePrimitive // {prim}__{group}__{component}_primitive_probe_out
	probeInvoke    // {cell}__{group}__{component}_cell_probe_out
	probeCtrlGo    // {ctrl}__{component}_go_out
	probeFSM       // {cell}.{fsm}.out
	probeParDoneIn // {cell}.{pd}.in
	probeParDoneWE // {cell}.{pd}.write_en
)

// probe is the decoded meaning of one registered waveform signal. Decoding
// happens once, at EndDefinitions, so per-cycle classification is just table
// walks.
type probe struct {
	kind probeKind
	cell Path
	// probe fields: a is the subject (group, primitive, invoked cell,
	// control group, register), b the enabling parent where one exists.
	a, b      string
	component string
}

// cycleSignals is one cycle's classified activity, the input to the cycle
// trace builder.
type cycleSignals struct {
	cells container.Set[Path]
	// cell -> active group names
	groups map[Path]container.Set[string]
	// cell -> child group -> set of parent groups structurally enabling it
	// this cycle
	seParents map[Path]map[string]container.Set[string]
	// cell -> primitive -> enabling group
	primEnables map[Path]map[string]string
	// cell -> invoked cell base name -> invoking group
	cellInvokes map[Path]map[string]string
	// cell -> active control groups
	ctrl map[Path]container.Set[string]

	fsm     map[string]uint64
	parDone []string
}

type classifier struct {
	meta *Meta
	warn *Warnings

	signals []trace.Signal
	probes  []probe
	vals    []trace.Value

	clock    trace.SignalID
	mainGo   trace.SignalID
	mainDone trace.SignalID

	prevClk  bool
	started  bool
	finished bool

	cycles []CycleTrace
}

func newClassifier(meta *Meta, warn *Warnings) *classifier {
	return &classifier{meta: meta, warn: warn, clock: -1, mainGo: -1, mainDone: -1}
}

// interested is the registration predicate handed to the waveform parser. It
// is purely name-based because it runs before signals can be resolved
// against the metadata.
func (c *classifier) interested(name string) bool {
	main := c.meta.Paths.Name(c.meta.Cells.MainCell)
	if name == main+".clk" || strings.HasSuffix(name, "."+main+".clk") {
		return true
	}
	for _, suffix := range []string{
		".go", ".done",
		"_group_probe_out", "_se_probe_out",
		"_primitive_probe_out", "_cell_probe_out",
		"_go_out",
	} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	// FSM and par-done register ports; the register base names are known
	// from the control metadata, their owning cells are not yet.
	if reg, ok := penultimate(name); ok {
		if strings.HasSuffix(name, ".out") && c.meta.Ctrl.IsFSMReg(reg) {
			return true
		}
		if (strings.HasSuffix(name, ".in") || strings.HasSuffix(name, ".write_en")) && c.meta.Ctrl.IsParDoneReg(reg) {
			return true
		}
	}
	return false
}

// penultimate returns the second-to-last dot-separated segment.
func penultimate(name string) (string, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", false
	}
	j := strings.LastIndexByte(name[:i], '.')
	return name[j+1 : i], true
}

func (c *classifier) EndDefinitions(signals []trace.Signal) error {
	c.signals = signals
	c.vals = make([]trace.Value, len(signals))

	mainName := c.meta.Paths.Name(c.meta.Cells.MainCell)
	var clocks []trace.Signal
	for _, sig := range signals {
		if strings.HasSuffix(sig.Name, ".clk") {
			clocks = append(clocks, sig)
		}
	}
	switch len(clocks) {
	case 0:
		return profErrorf(mainName+".clk", "clock signal not found in the waveform")
	case 1:
	default:
		names := make([]string, len(clocks))
		for i, sig := range clocks {
			names[i] = sig.Name
		}
		return profErrorf(mainName+".clk", "multiple clock signals matched: %s", strings.Join(names, ", "))
	}
	c.clock = clocks[0].ID

	// The clock lives on the main cell; anything in front of the main cell's
	// dump name is the simulator's hierarchy prefix.
	stem := strings.TrimSuffix(clocks[0].Name, ".clk")
	switch {
	case stem == mainName:
		// no prefix
	case strings.HasSuffix(stem, "."+mainName):
		c.meta.AddSignalPrefix(stem[:len(stem)-len(mainName)-1])
	default:
		return profErrorf(clocks[0].Name, "clock signal does not end in the main cell %s", mainName)
	}

	return c.decodeProbes()
}

// decodeProbes resolves every registered signal against the (now prefixed)
// metadata. Probe signals naming cells absent from the structural dump are a
// fatal mismatch.
func (c *classifier) decodeProbes() error {
	c.probes = make([]probe, len(c.signals))
	mainCell := c.meta.Cells.MainCell
	for i, sig := range c.signals {
		if sig.ID == c.clock {
			c.probes[i] = probe{kind: probeClk}
			continue
		}
		dot := strings.LastIndexByte(sig.Name, '.')
		if dot < 0 {
			return profErrorf(sig.Name, "registered signal has no hierarchy")
		}
		cellName, port := sig.Name[:dot], sig.Name[dot+1:]

		switch {
		case port == "go" || port == "done":
			cell, err := c.resolveCell(cellName, sig.Name)
			if err != nil {
				return err
			}
			kind := probeGo
			if port == "done" {
				kind = probeDone
			}
			c.probes[i] = probe{kind: kind, cell: cell}
			if cell == mainCell {
				if port == "go" {
					c.mainGo = sig.ID
				} else {
					c.mainDone = sig.ID
				}
			}

		case strings.HasSuffix(port, "_group_probe_out"):
			p, err := c.probeFields(cellName, port, "_group_probe_out", 2, sig.Name)
			if err != nil {
				return err
			}
			p.kind = probeGroup
			c.probes[i] = p

		case strings.HasSuffix(port, "_se_probe_out"):
			p, err := c.probeFields(cellName, port, "_se_probe_out", 3, sig.Name)
			if err != nil {
				return err
			}
			p.kind = probeSE
			c.probes[i] = p

		case strings.HasSuffix(port, "_primitive_probe_out"):
			p, err := c.probeFields(cellName, port, "_primitive_probe_out", 3, sig.Name)
			if err != nil {
				return err
			}
			p.kind = probePrimitive
			c.probes[i] = p

		case strings.HasSuffix(port, "_cell_probe_out"):
			p, err := c.probeFields(cellName, port, "_cell_probe_out", 3, sig.Name)
			if err != nil {
				return err
			}
			p.kind = probeInvoke
			c.probes[i] = p

		case strings.HasSuffix(port, "_go_out"):
			p, err := c.probeFields(cellName, port, "_go_out", 2, sig.Name)
			if err != nil {
				return err
			}
			p.kind = probeCtrlGo
			c.probes[i] = p

		case port == "out" || port == "in" || port == "write_en":
			// {cell}.{reg}.{port}
			rdot := strings.LastIndexByte(cellName, '.')
			if rdot < 0 {
				return profErrorf(sig.Name, "register signal has no owning cell")
			}
			owner, reg := cellName[:rdot], cellName[rdot+1:]
			cell, err := c.resolveCell(owner, sig.Name)
			if err != nil {
				return err
			}
			var kind probeKind
			switch {
			case port == "out" && c.meta.Ctrl.IsFSMReg(reg):
				kind = probeFSM
			case port == "in" && c.meta.Ctrl.IsParDoneReg(reg):
				kind = probeParDoneIn
			case port == "write_en" && c.meta.Ctrl.IsParDoneReg(reg):
				kind = probeParDoneWE
			default:
				return profErrorf(sig.Name, "register %s is neither an FSM nor a par-done register", reg)
			}
			c.probes[i] = probe{kind: kind, cell: cell, a: reg}

		default:
			return profErrorf(sig.Name, "registered signal matches no probe pattern")
		}
	}
	if c.mainGo == -1 || c.mainDone == -1 {
		return profErrorf(c.meta.Paths.Name(mainCell), "waveform has no go/done pair for the main cell")
	}
	return nil
}

func (c *classifier) resolveCell(name, signal string) (Path, error) {
	p, ok := c.meta.Paths.Lookup(name)
	if !ok || !c.meta.Cells.KnownCell(p) {
		return NoPath, profErrorf(signal, "cell %s not present in the structural dump", name)
	}
	return p, nil
}

// probeFields splits the "__"-joined fields out of a probe port name and
// resolves the owning cell. want is the field count including the trailing
// component name.
func (c *classifier) probeFields(cellName, port, suffix string, want int, signal string) (probe, error) {
	cell, err := c.resolveCell(cellName, signal)
	if err != nil {
		return probe{}, err
	}
	fields := strings.Split(strings.TrimSuffix(port, suffix), "__")
	if len(fields) != want {
		return probe{}, profErrorf(signal, "probe has %d fields, want %d", len(fields), want)
	}
	p := probe{cell: cell, a: fields[0], component: fields[len(fields)-1]}
	if want == 3 {
		p.b = fields[1]
	}
	return p, nil
}

func (c *classifier) Timestep(ts trace.Timestamp, changes []trace.Change) error {
	for _, ch := range changes {
		c.vals[ch.Signal] = ch.Value
	}
	clk := c.vals[c.clock].High()
	rising := clk && !c.prevClk
	c.prevClk = clk
	if !rising {
		return nil
	}

	if !c.started {
		if !c.vals[c.mainGo].High() {
			return nil
		}
		c.started = true
	}
	if c.vals[c.mainDone].High() {
		// Execution is complete; the rest of the dump is teardown.
		c.finished = true
		return trace.ErrStop
	}

	sig := c.snapshot()
	ct, err := buildCycle(c.meta, sig, c.warn)
	if err != nil {
		return err
	}
	c.cycles = append(c.cycles, ct)
	return nil
}

// snapshot classifies the current signal values into the per-cycle sets the
// builder consumes.
func (c *classifier) snapshot() *cycleSignals {
	sig := &cycleSignals{
		cells:       container.Set[Path]{},
		groups:      map[Path]container.Set[string]{},
		seParents:   map[Path]map[string]container.Set[string]{},
		primEnables: map[Path]map[string]string{},
		cellInvokes: map[Path]map[string]string{},
		ctrl:        map[Path]container.Set[string]{},
	}
	goHigh := container.Set[Path]{}
	doneHigh := container.Set[Path]{}
	pdIn := map[Path]container.Set[string]{}
	pdWE := map[Path]container.Set[string]{}

	for i := range c.probes {
		p := &c.probes[i]
		v := c.vals[i]
		switch p.kind {
		case probeGo:
			if v.High() {
				goHigh.Add(p.cell)
			}
		case probeDone:
			if v.High() {
				doneHigh.Add(p.cell)
			}
		case probeGroup:
			if v.High() {
				addToSet(sig.groups, p.cell, p.a)
			}
		case probeSE:
			if v.High() {
				m := sig.seParents[p.cell]
				if m == nil {
					m = map[string]container.Set[string]{}
					sig.seParents[p.cell] = m
				}
				if m[p.a] == nil {
					m[p.a] = container.Set[string]{}
				}
				m[p.a].Add(p.b)
			}
		case probePrimitive:
			if v.High() {
				addToMap(sig.primEnables, p.cell, p.a, p.b)
			}
		case probeInvoke:
			if v.High() {
				addToMap(sig.cellInvokes, p.cell, p.a, p.b)
			}
		case probeCtrlGo:
			if v.High() {
				addToSet(sig.ctrl, p.cell, p.a)
			}
		case probeFSM:
			if v.Known {
				if sig.fsm == nil {
					sig.fsm = map[string]uint64{}
				}
				sig.fsm[c.meta.Paths.Name(p.cell)+"."+p.a] = v.Bits
			}
		case probeParDoneIn:
			if v.High() {
				addToSet(pdIn, p.cell, p.a)
			}
		case probeParDoneWE:
			if v.High() {
				addToSet(pdWE, p.cell, p.a)
			}
		}
	}

	for cell := range goHigh {
		if !doneHigh.Contains(cell) {
			sig.cells.Add(cell)
		}
	}
	// A par-done register completes its arm in cycles where it is written
	// with a 1.
	for cell, regs := range pdWE {
		for reg := range regs {
			if pdIn[cell].Contains(reg) {
				sig.parDone = append(sig.parDone, c.meta.Paths.Name(cell)+"."+reg)
			}
		}
	}
	sort.Strings(sig.parDone)
	return sig
}

func addToSet[K comparable](m map[K]container.Set[string], k K, v string) {
	if m[k] == nil {
		m[k] = container.Set[string]{}
	}
	m[k].Add(v)
}

func addToMap[K comparable](m map[K]map[string]string, k K, a, b string) {
	if m[k] == nil {
		m[k] = map[string]string{}
	}
	m[k][a] = b
}
