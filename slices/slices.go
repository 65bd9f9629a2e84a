package slices

// Pop removes and returns the last element of s. The third return value is
// false if s was empty.
func Pop[E any, S ~[]E](s S) (E, S, bool) {
	if len(s) == 0 {
		return *new(E), s, false
	}
	e := s[len(s)-1]
	s = s[:len(s)-1]
	return e, s, true
}

// Clone returns a shallow copy of s with no excess capacity, so that
// appending to the clone never aliases the original.
func Clone[E any, S ~[]E](s S) S {
	if s == nil {
		return nil
	}
	out := make(S, len(s))
	copy(out, s)
	return out
}
