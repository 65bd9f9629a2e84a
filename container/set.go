package container

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

type Set[T comparable] map[T]struct{}

func NewSet[T comparable](vs ...T) Set[T] {
	set := make(Set[T], len(vs))
	for _, v := range vs {
		set.Add(v)
	}
	return set
}

func (set Set[T]) Add(v T) {
	set[v] = struct{}{}
}

func (set Set[T]) Delete(v T) {
	delete(set, v)
}

func (set Set[T]) Contains(v T) bool {
	_, ok := set[v]
	return ok
}

// Sorted returns the set's elements in ascending order. Map iteration is
// randomized; use this wherever output has to be deterministic.
func Sorted[T constraints.Ordered](set Set[T]) []T {
	out := make([]T, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
