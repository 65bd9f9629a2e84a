package trace

import "sort"

// Simulators may emit the value changes belonging to one clock edge in any
// order relative to each other and to the clock's own transition. The bucket
// therefore collects everything for one exact timestamp and only hands the
// set over once the parser has moved past that timestamp. Within a
// timestamp, the last change to a signal wins.
type bucket struct {
	ts      Timestamp
	changes []Change
	index   map[SignalID]int
}

func (b *bucket) reset(ts Timestamp) {
	b.ts = ts
	b.changes = b.changes[:0]
	if b.index == nil {
		b.index = map[SignalID]int{}
	} else {
		clear(b.index)
	}
}

func (b *bucket) add(sig SignalID, v Value) {
	if i, ok := b.index[sig]; ok {
		b.changes[i].Value = v
		return
	}
	b.index[sig] = len(b.changes)
	b.changes = append(b.changes, Change{Signal: sig, Value: v})
}

func (b *bucket) flush(h Handler) error {
	if len(b.changes) == 0 {
		return nil
	}
	// Arrival order within a timestamp is meaningless; sort by signal so
	// handlers see a deterministic order.
	sort.Slice(b.changes, func(i, j int) bool { return b.changes[i].Signal < b.changes[j].Signal })
	return h.Timestep(b.ts, b.changes)
}
