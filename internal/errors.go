package internal

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrPermanentRequest  = errors.New("permanent request error")
	ErrUnknownItem       = errors.New("unknown item")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
