package main

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/trace/ctrace"
)

// treeNode aggregates cycle counts over the forest of rendered stacks. A
// node's count is the number of cycles any stack passed through it.
type treeNode struct {
	name     string
	cycles   int
	children map[string]*treeNode
}

func (n *treeNode) child(name string) *treeNode {
	c, ok := n.children[name]
	if !ok {
		c = &treeNode{name: name, children: map[string]*treeNode{}}
		n.children[name] = c
	}
	return c
}

// writeTree writes the aggregated call tree with per-node cycle counts,
// followed by the par-arm completion tally.
func writeTree(path string, tr *ctrace.Trace, mode ctrace.RenderMode) error {
	root := &treeNode{children: map[string]*treeNode{}}
	parDone := map[string]int{}
	for _, ct := range tr.Cycles {
		touched := map[*treeNode]bool{}
		for _, s := range ct.Stacks {
			n := root
			for _, seg := range ctrace.SplitRendered(s.Render(mode)) {
				n = n.child(seg)
				if !touched[n] {
					touched[n] = true
					n.cycles++
				}
			}
		}
		for _, reg := range ct.ParDone {
			parDone[reg]++
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var dump func(n *treeNode, depth int)
	dump = func(n *treeNode, depth int) {
		local.Fprintf(w, "%s%s: %d cycles\n", strings.Repeat("  ", depth), n.name, n.cycles)
		names := maps.Keys(n.children)
		slices.Sort(names)
		for _, name := range names {
			dump(n.children[name], depth+1)
		}
	}
	roots := maps.Keys(root.children)
	slices.Sort(roots)
	for _, name := range roots {
		dump(root.children[name], 0)
	}

	if len(parDone) > 0 {
		local.Fprintf(w, "\npar arm completions:\n")
		regs := maps.Keys(parDone)
		slices.Sort(regs)
		for _, reg := range regs {
			local.Fprintf(w, "  %s: %d\n", reg, parDone[reg])
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeSummaries writes the per-entity invocation table. The "fixed" column
// marks entities whose invocations all took the same number of cycles.
func writeSummaries(path string, tr *ctrace.Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	local.Fprintf(w, "%-60s %10s %10s %10s %10s %12s %6s\n", "entity", "invokes", "min", "max", "avg", "total", "fixed")
	for _, sum := range tr.Summaries() {
		fixed := ""
		if sum.FixedLatency {
			fixed = "yes"
		}
		local.Fprintf(w, "%-60s %10d %10d %10d %10.1f %12d %6s\n",
			sum.Name, sum.Stat.Count, sum.Stat.Min, sum.Stat.Max, sum.Stat.Average, sum.Stat.Total, fixed)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
