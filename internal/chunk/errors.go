package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity marks a corrupted chunk graph. The only recovery is a
	// full clear and reload.
	ErrIntegrity = errors.New("chunk graph integrity violated")
	// ErrIncompleteRange rejects a range that cannot be a complete item set
	// for its window.
	ErrIncompleteRange = errors.New("incomplete item range")
	// ErrInvalidItem rejects an item without id or createdAt.
	ErrInvalidItem = errors.New("invalid item")
)

// IntegrityError describes which chunks broke which rule.
type IntegrityError struct {
	Reason  string
	Handles []Handle
}

func (e *IntegrityError) Error() string {
	if len(e.Handles) == 0 {
		return fmt.Sprintf("%v: %s", ErrIntegrity, e.Reason)
	}
	return fmt.Sprintf("%v: %s (chunks %v)", ErrIntegrity, e.Reason, e.Handles)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func integrity(reason string, hs ...Handle) error {
	return &IntegrityError{Reason: reason, Handles: hs}
}
