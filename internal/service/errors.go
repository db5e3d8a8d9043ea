package service

import (
	"errors"
	"fmt"
)

// ErrValidation marks malformed or out-of-policy input. Nothing is written when it is returned.
var ErrValidation = errors.New("validation error")

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
