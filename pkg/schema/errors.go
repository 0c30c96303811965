// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package schema

import (
	"fmt"
	"strings"
)

// FileError is returned when a schema file is missing, unreadable or is not a valid schema.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("schema file %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Violation is a single structural mismatch between data and schema.
type Violation struct {
	// Property is the JSON pointer of the offending value, "root" for the document itself.
	Property string
	Message  string
}

// ValidationError lists every violation found while validating one document.
type ValidationError struct {
	Path       string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Property, v.Message))
	}

	return "schema validation failed: " + strings.Join(parts, "; ")
}
