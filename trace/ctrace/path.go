package ctrace

import (
	"fmt"
	"strings"
)

// Path is an interned hierarchical name. Two Paths are equal iff they name
// the same design element, so Paths can be used as map keys and compared
// without touching strings. Parent/prefix queries walk the interner's parent
// table instead of splitting names, which keeps component names containing
// dots from corrupting ancestry.
type Path int32

const NoPath Path = -1

// Interner owns the Path table. It is populated when the structural metadata
// is loaded and extended as waveform signals are resolved; it is not safe for
// concurrent mutation, which is fine because all interning happens in the
// single-threaded reconstruction pipeline.
type Interner struct {
	parent []Path
	base   []string
	names  []string
	byName map[string]Path
	kids   []map[string]Path
}

func NewInterner() *Interner {
	return &Interner{byName: map[string]Path{}}
}

// Join returns the path for the child base of parent, interning it if
// needed. parent may be NoPath for a top-level name.
func (in *Interner) Join(parent Path, base string) Path {
	if parent != NoPath {
		if p, ok := in.kids[parent][base]; ok {
			return p
		}
	} else if p, ok := in.byName[base]; ok && in.parent[p] == NoPath {
		return p
	}
	p := Path(len(in.base))
	in.parent = append(in.parent, parent)
	in.base = append(in.base, base)
	in.kids = append(in.kids, nil)
	name := base
	if parent != NoPath {
		name = in.names[parent] + "." + base
		if in.kids[parent] == nil {
			in.kids[parent] = map[string]Path{}
		}
		in.kids[parent][base] = p
	}
	in.names = append(in.names, name)
	in.byName[name] = p
	return p
}

// InternDotted interns a dot-separated qualified name segment by segment.
// Only used for names coming from the structural dump and the waveform,
// which both use "." as the hierarchy separator.
func (in *Interner) InternDotted(name string) Path {
	p := NoPath
	for _, seg := range strings.Split(name, ".") {
		p = in.Join(p, seg)
	}
	return p
}

// Lookup resolves a full name without interning it.
func (in *Interner) Lookup(name string) (Path, bool) {
	p, ok := in.byName[name]
	return p, ok
}

func (in *Interner) Name(p Path) string {
	return in.names[p]
}

func (in *Interner) Base(p Path) string {
	return in.base[p]
}

func (in *Interner) Parent(p Path) Path {
	return in.parent[p]
}

// HasPrefix reports whether prefix is p or an ancestor of p.
func (in *Interner) HasPrefix(p, prefix Path) bool {
	for ; p != NoPath; p = in.parent[p] {
		if p == prefix {
			return true
		}
	}
	return false
}

// Rebase reparents every top-level path under the dot-separated prefix,
// rewriting all full names. This is the one-time signal-prefix normalization
// applied after the simulator's path prefix has been discovered from the
// clock signal.
func (in *Interner) Rebase(prefix string) {
	if prefix == "" {
		return
	}
	oldRoots := make([]Path, 0, 8)
	for p := range in.parent {
		if in.parent[p] == NoPath {
			oldRoots = append(oldRoots, Path(p))
		}
	}
	anchor := in.InternDotted(prefix)
	for _, r := range oldRoots {
		// The prefix chain itself was just interned rootless; don't reparent
		// it under itself.
		if in.HasPrefix(anchor, r) {
			continue
		}
		in.parent[r] = anchor
		if in.kids[anchor] == nil {
			in.kids[anchor] = map[string]Path{}
		}
		if other, ok := in.kids[anchor][in.base[r]]; ok && other != r {
			panic(fmt.Sprintf("rebase collides on %q under %q", in.base[r], prefix))
		}
		in.kids[anchor][in.base[r]] = r
	}
	in.rebuildNames()
}

func (in *Interner) rebuildNames() {
	for i := range in.names {
		in.names[i] = ""
	}
	clear(in.byName)
	var build func(p Path) string
	build = func(p Path) string {
		if in.names[p] != "" {
			return in.names[p]
		}
		name := in.base[p]
		if par := in.parent[p]; par != NoPath {
			name = build(par) + "." + in.base[p]
		}
		in.names[p] = name
		in.byName[name] = p
		return name
	}
	for p := range in.names {
		build(Path(p))
	}
}
