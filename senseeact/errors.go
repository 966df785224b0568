// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"errors"
	"fmt"
)

// Error sentinels for the service error taxonomy. HTTP handlers map these
// to status codes with errors.Is.
var (
	// ErrForbidden covers both denied access and unknown subjects. Callers
	// must not be able to distinguish the two cases.
	ErrForbidden = errors.New("forbidden")

	// ErrIllegalInput marks structurally invalid requests.
	ErrIllegalInput = errors.New("illegal_input")

	// ErrNotFound marks references to resources that do not exist, such as
	// an unknown watch registration or project.
	ErrNotFound = errors.New("not_found")
)

// forbiddenSubject returns the uniform denial for a subject. The message is
// identical whether the subject does not exist or access was denied.
func forbiddenSubject(subject string) error {
	return fmt.Errorf("%w: user %s not found or access forbidden", ErrForbidden, subject)
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func illegalInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalInput, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
