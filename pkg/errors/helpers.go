// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional
// context. If err is nil, returns nil.
//
// Usage:
//
//	if err := runNode(id); err != nil {
//	    return errors.Wrap(err, "running node")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted
// context. If err is nil, returns nil.
//
// Usage:
//
//	if err := dial(endpoint); err != nil {
//	    return errors.Wrapf(err, "dialing %s", endpoint)
//	}
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// WithContext annotates err with one key/value pair of propagation
// context — a node id, an endpoint, a branch label — without rewriting
// the cause chain. Each layer an error crosses may add its own key;
// Context collects the accumulated map at the top.
func WithContext(err error, key, value string) error {
	if err == nil {
		return nil
	}
	return &contextEntry{cause: err, key: key, value: value}
}

type contextEntry struct {
	cause error
	key   string
	value string
}

func (e *contextEntry) Error() string {
	return fmt.Sprintf("%s: %s=%s", e.cause.Error(), e.key, e.value)
}

func (e *contextEntry) Unwrap() error { return e.cause }

// Context walks err's chain and returns every key/value pair attached
// via WithContext. The outermost (most recently attached) entry wins
// when the same key was attached twice.
func Context(err error) map[string]string {
	out := make(map[string]string)
	for ; err != nil; err = errors.Unwrap(err) {
		if entry, ok := err.(*contextEntry); ok {
			if _, exists := out[entry.key]; !exists {
				out[entry.key] = entry.value
			}
		}
	}
	return out
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
//
// Usage:
//
//	var routeErr *UnknownRouteError
//	if errors.As(err, &routeErr) {
//	    log.Printf("router %s returned unmapped label %s", routeErr.Router, routeErr.Label)
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
// This is a convenience wrapper around errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}
