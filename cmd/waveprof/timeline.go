package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/trace/ctrace"
)

// Perfetto / Chrome trace-event JSON. One "thread" per requested cell, B/E
// pairs spanning its active intervals, plus counter tracks for the cell's FSM
// registers. Timestamps are cycle numbers.
type traceEvent struct {
	Name  string         `json:"name"`
	Phase string         `json:"ph"`
	Ts    int64          `json:"ts"`
	Pid   int            `json:"pid"`
	Tid   int            `json:"tid"`
	Args  map[string]any `json:"args,omitempty"`
}

type timelineFile struct {
	TraceEvents     []traceEvent `json:"traceEvents"`
	DisplayTimeUnit string       `json:"displayTimeUnit"`
}

func writeTimeline(path string, tr *ctrace.Trace, cells []string) error {
	for _, cell := range cells {
		if _, ok := tr.Meta.Paths.Lookup(cell); !ok {
			return fmt.Errorf("timeline cell %s is not a known qualified cell name", cell)
		}
	}

	var events []traceEvent
	active := make([]bool, len(cells))
	for i, ct := range tr.Cycles {
		now := map[string]bool{}
		for _, name := range ct.ActiveCells(tr.Meta) {
			now[name] = true
		}
		for tid, cell := range cells {
			switch {
			case now[cell] && !active[tid]:
				events = append(events, traceEvent{Name: cell, Phase: "B", Ts: int64(i), Pid: 1, Tid: tid + 1})
				active[tid] = true
			case !now[cell] && active[tid]:
				events = append(events, traceEvent{Name: cell, Phase: "E", Ts: int64(i), Pid: 1, Tid: tid + 1})
				active[tid] = false
			}
		}
		fsms := maps.Keys(ct.FSM)
		slices.Sort(fsms)
		for tid, cell := range cells {
			for _, fsm := range fsms {
				if strings.HasPrefix(fsm, cell+".") {
					v := ct.FSM[fsm]
					events = append(events, traceEvent{
						Name:  fsm,
						Phase: "C",
						Ts:    int64(i),
						Pid:   1,
						Tid:   tid + 1,
						Args:  map[string]any{"value": v},
					})
				}
			}
		}
	}
	// Close intervals still open at the end of the trace.
	for tid, cell := range cells {
		if active[tid] {
			events = append(events, traceEvent{Name: cell, Phase: "E", Ts: int64(len(tr.Cycles)), Pid: 1, Tid: tid + 1})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", " ")
	if err := enc.Encode(timelineFile{TraceEvents: events, DisplayTimeUnit: "ns"}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
