package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer. Callers classify with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrParse         = errors.New("parse error")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrConnection    = errors.New("connection failed")
	ErrExecution     = errors.New("execution failed")
	ErrEncryption    = errors.New("encryption error")

	ErrUnsupportedBackend = fmt.Errorf("%w: unsupported backend", ErrConfiguration)
	ErrDuplicateName      = fmt.Errorf("%w: name already exists", ErrConfiguration)
)
