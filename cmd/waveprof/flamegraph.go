package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/trace/ctrace"
)

// writeFlameGraph writes the trace in folded-stack format: one line per
// distinct rendered stack, weighted by the number of cycles it was active.
// The output feeds directly into flamegraph.pl / speedscope.
func writeFlameGraph(path string, tr *ctrace.Trace, mode ctrace.RenderMode) error {
	counts := map[string]int{}
	for _, ct := range tr.Cycles {
		for _, s := range ct.Stacks {
			counts[s.Render(mode)]++
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	lines := maps.Keys(counts)
	slices.Sort(lines)
	for _, line := range lines {
		fmt.Fprintf(w, "%s %d\n", line, counts[line])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
