package sourced

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict indicates an optimistic concurrency failure: the
	// stored version of an entity differs from the version observed at load
	// time. Reload, re-apply the command, and retry.
	ErrVersionConflict = errors.New("sourced: version conflict")

	// ErrSchemaGap indicates a missing upcaster for a required version step.
	ErrSchemaGap = errors.New("sourced: upcaster schema gap")

	// ErrUnknownEvent indicates an aggregate cannot apply a stored event.
	ErrUnknownEvent = errors.New("sourced: unknown event")

	// ErrIDMismatch indicates an attempt to change an entity id that is
	// already set.
	ErrIDMismatch = errors.New("sourced: entity id already set")

	ErrIDRequired = errors.New("sourced: entity id required")

	// ErrDecode and ErrEncode mark payload codec failures, fatal for the
	// record involved.
	ErrDecode = errors.New("sourced: decode failed")
	ErrEncode = errors.New("sourced: encode failed")

	// ErrNotSupported is returned by backends that cannot implement an
	// optional repository operation.
	ErrNotSupported = errors.New("sourced: operation not supported")
)

// IsVersionConflict reports whether err is an optimistic concurrency
// failure, the one error kind callers routinely branch on.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// VersionConflictError carries the entity id and the version pair involved
// in an optimistic concurrency failure. It unwraps to ErrVersionConflict.
type VersionConflictError struct {
	ID       string
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("sourced: version conflict on %q: expected %d, actual %d", e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// SchemaGapError reports a record stuck below its target schema version
// because no upcaster is registered for the next step. Fatal; requires a
// deploy with the missing upcaster.
type SchemaGapError struct {
	Event string
	From  uint32
	To    uint32
}

func (e *SchemaGapError) Error() string {
	return fmt.Sprintf("sourced: upcaster schema gap for %q: no step from v%d toward v%d", e.Event, e.From, e.To)
}

func (e *SchemaGapError) Unwrap() error {
	return ErrSchemaGap
}

// UnknownEventError reports an event name the aggregate has no applier for.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("sourced: unknown event %q", e.Name)
}

func (e *UnknownEventError) Unwrap() error {
	return ErrUnknownEvent
}
