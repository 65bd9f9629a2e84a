package ctrace

import "fmt"

// ProfilerError reports a mismatch between the waveform and the structural
// metadata: an unknown cell, a resource-shared cell whose physical
// replacement is missing, an unresolvable structural-enable graph. These are
// fatal; they mean the dump and the metadata came from different compiler
// runs, and no partial trace is worth having. Entity names the offending
// cell, signal or group so the failure can be chased through the design.
type ProfilerError struct {
	Entity string
	Reason string
}

func (e *ProfilerError) Error() string {
	return fmt.Sprintf("profiler: %s: %s", e.Entity, e.Reason)
}

func profErrorf(entity, format string, args ...any) *ProfilerError {
	return &ProfilerError{Entity: entity, Reason: fmt.Sprintf(format, args...)}
}
