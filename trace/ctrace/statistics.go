package ctrace

import (
	"runtime"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/calyxir/waveprof/mysync"
)

// Statistic describes the distribution of per-invocation active-cycle counts
// of one entity.
type Statistic struct {
	Count   int
	Min     int
	Max     int
	Total   int
	Average float64
}

func (stat *Statistic) add(cycles int) {
	if stat.Count == 0 || cycles < stat.Min {
		stat.Min = cycles
	}
	if cycles > stat.Max {
		stat.Max = cycles
	}
	stat.Count++
	stat.Total += cycles
	stat.Average = float64(stat.Total) / float64(stat.Count)
}

// Summary is the per-entity activity summary. FixedLatency is true when every
// invocation took the same number of cycles, which means the entity's timing
// is cycle-deterministic and a static scheduler can rely on it.
type Summary struct {
	Name         string
	Kind         ElemKind
	Stat         Statistic
	FixedLatency bool
}

type summaryKey struct {
	name string
	kind ElemKind
}

// Summaries computes per-entity invocation statistics. An entity (cell, group
// or control group, identified by qualified name) is active in a cycle if it
// appears anywhere in one of that cycle's stacks; an invocation is a maximal
// run of consecutive active cycles.
//
// Cycle scanning fans out over GOMAXPROCS goroutines; workers merge their
// per-chunk activity under a shared locked map, then run lengths are derived
// sequentially.
func (tr *Trace) Summaries() []Summary {
	n := len(tr.Cycles)
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	global := mysync.NewMutex(map[summaryKey][]int{})
	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			local := map[summaryKey][]int{}
			for i := start; i < end; i++ {
				tr.collectActive(i, local)
			}
			merged, unlock := global.Lock()
			for k, cycles := range local {
				merged[k] = append(merged[k], cycles...)
			}
			unlock.Unlock()
		}(start, end)
	}
	wg.Wait()

	activity, unlock := global.Lock()
	defer unlock.Unlock()

	keys := maps.Keys(activity)
	slices.SortFunc(keys, func(a, b summaryKey) int {
		if a.name != b.name {
			if a.name < b.name {
				return -1
			}
			return 1
		}
		return int(a.kind) - int(b.kind)
	})

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		cycles := activity[k]
		slices.Sort(cycles)
		sum := Summary{Name: k.name, Kind: k.kind}
		run := 0
		for i, c := range cycles {
			if i > 0 && c == cycles[i-1] {
				continue
			}
			if run > 0 && c != cycles[i-1]+1 {
				sum.Stat.add(run)
				run = 0
			}
			run++
		}
		if run > 0 {
			sum.Stat.add(run)
		}
		sum.FixedLatency = sum.Stat.Count > 0 && sum.Stat.Min == sum.Stat.Max
		out = append(out, sum)
	}
	return out
}

// ActiveCells returns the qualified names of the cells appearing in the
// cycle's stacks, sorted. Resource-shared cells are reported under their
// physical name.
func (ct CycleTrace) ActiveCells(meta *Meta) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ct.Stacks {
		cur := meta.Cells.MainCell
		for j, e := range s {
			if e.Kind != ElemCell {
				continue
			}
			if j > 0 {
				name := e.Name
				if phys, ok := e.Replacement.Get(); ok {
					name = phys
				}
				cur = meta.Paths.Join(cur, name)
			}
			if name := meta.Paths.Name(cur); !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	slices.Sort(out)
	return out
}

// collectActive records, for cycle i, every entity appearing in any stack.
// Every cell path in a built stack was interned during reconstruction, so the
// Join calls below are pure lookups and safe from concurrent workers.
func (tr *Trace) collectActive(i int, acc map[summaryKey][]int) {
	meta := tr.Meta
	seen := map[summaryKey]bool{}
	for _, s := range tr.Cycles[i].Stacks {
		cur := meta.Cells.MainCell
		for j, e := range s {
			var k summaryKey
			switch e.Kind {
			case ElemCell:
				if j > 0 {
					name := e.Name
					if phys, ok := e.Replacement.Get(); ok {
						name = phys
					}
					cur = meta.Paths.Join(cur, name)
				}
				k = summaryKey{meta.Paths.Name(cur), ElemCell}
			case ElemGroup, ElemControl:
				k = summaryKey{meta.Paths.Name(cur) + "." + e.Name, e.Kind}
			default:
				continue
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			acc[k] = append(acc[k], i)
		}
	}
}
