package ingest

import (
	"fmt"

	"github.com/hurttlocker/cellcount/internal/store"
)

// IntegrityError reports a row whose reference cannot be resolved. It aborts
// the whole load.
type IntegrityError struct {
	Entity string // subject, sample, cell_count
	Key    string
	Ref    string // referenced entity
	RefKey string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity: %s %q references unknown %s %q", e.Entity, e.Key, e.Ref, e.RefKey)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// wrapFK turns a foreign-key violation into an IntegrityError and adds
// context to anything else.
func wrapFK(err error, entity, key, ref, refKey string) error {
	if store.IsForeignKeyViolation(err) {
		return &IntegrityError{Entity: entity, Key: key, Ref: ref, RefKey: refKey, Err: err}
	}
	return fmt.Errorf("writing %s %q: %w", entity, key, err)
}
