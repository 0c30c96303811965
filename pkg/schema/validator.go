// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package schema validates JSON documents against JSON schema files.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles schema files on first use and keeps them for later calls.
// It is safe for concurrent use.
type Validator struct {
	mute     sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks data against the schema stored at schemaPath.
// Data may be any JSON-representable value; numbers are compared by value, so
// 1 and 1.0 both satisfy "type": "integer".
func (v *Validator) Validate(data any, schemaPath string) error {
	sch, err := v.load(schemaPath)
	if err != nil {
		return err
	}

	doc, err := normalize(data)
	if err != nil {
		return fmt.Errorf("prepare document for %s: %w", schemaPath, err)
	}

	if err = sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return fmt.Errorf("validate against %s: %w", schemaPath, err)
		}

		return &ValidationError{Path: schemaPath, Violations: violations(verr)}
	}

	return nil
}

func (v *Validator) load(path string) (*jsonschema.Schema, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}

	v.mute.RLock()
	sch, ok := v.compiled[abs]
	v.mute.RUnlock()
	if ok {
		return sch, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}

	compiler := jsonschema.NewCompiler()
	if err = compiler.AddResource(abs, bytes.NewReader(raw)); err != nil {
		return nil, &FileError{Path: path, Err: err}
	}

	sch, err = compiler.Compile(abs)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}

	v.mute.Lock()
	v.compiled[abs] = sch
	v.mute.Unlock()

	return sch, nil
}

// normalize round-trips data through encoding/json so Go-native values
// (ints, structs, typed maps) reach the validator as JSON values.
func normalize(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err = dec.Decode(&doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// violations flattens the cause tree into its leaves.
func violations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		property := verr.InstanceLocation
		if property == "" {
			property = "root"
		}

		return []Violation{{Property: property, Message: verr.Message}}
	}

	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, violations(cause)...)
	}

	return out
}
