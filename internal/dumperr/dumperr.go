// Package dumperr defines the failure kinds shared by every layer of the
// dump analyzer. Most of them are expected outcomes when reading a
// snapshot of a crashed system, not programming errors.
package dumperr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable reports that memory, a mapping, a symbol or a type
	// fact could not be obtained. Callers treat it as a normal result.
	ErrUnavailable = errors.New("unavailable")

	// ErrCorruptStructure reports a cycle or an impossible link found
	// while walking an in-memory data structure.
	ErrCorruptStructure = errors.New("corrupt structure")
)

// TranslationError describes a descriptor that is present but has a
// type not allowed at the level it was found on. It matches
// ErrUnavailable so callers need no special case, while diagnostics can
// still recover the details with errors.As.
type TranslationError struct {
	VA     uint64
	Level  int
	Raw    uint64
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate 0x%x: level %d descriptor 0x%x: %s", e.VA, e.Level, e.Raw, e.Reason)
}

func (e *TranslationError) Is(target error) bool {
	return target == ErrUnavailable
}

// CorruptError carries where a structure walk stopped.
type CorruptError struct {
	// Addr is the link that closed the cycle or broke the chain.
	Addr    uint64
	Visited int
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt structure at 0x%x after %d nodes: %s", e.Addr, e.Visited, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorruptStructure
}

// Unavailablef wraps ErrUnavailable with context.
func Unavailablef(format string, args ...any) error {
	return errors.Wrapf(ErrUnavailable, format, args...)
}
