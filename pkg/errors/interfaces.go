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

import "errors"

// Retryable is implemented by error kinds that know whether the failure
// they describe is transient. The external-MCP adapter consults it,
// through RetryableHint, when deciding whether another attempt is worth
// making.
//
// Kinds without an opinion simply don't implement it; RetryableHint
// reports ok=false for those and the caller falls back to its own
// default (terminal, for the adapter).
type Retryable interface {
	error

	// Retryable returns true if another attempt may succeed.
	Retryable() bool
}

// RetryableHint walks err's chain from the outermost error inward and
// returns the verdict of the first Retryable implementation it finds. ok is false when no kind in
// the chain implements Retryable.
func RetryableHint(err error) (retryable, ok bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		if r, isRetryable := err.(Retryable); isRetryable {
			return r.Retryable(), true
		}
	}
	return false, false
}
