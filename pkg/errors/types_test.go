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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *engineerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &engineerrors.ValidationError{
				Field:      "start",
				Message:    "no start node set",
				Suggestion: "call SetStart before Build",
			},
			wantMsg: "invalid definition: start: no start node set",
		},
		{
			name: "without field",
			err: &engineerrors.ValidationError{
				Message: "workflow name must not be empty",
			},
			wantMsg: "invalid definition: workflow name must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *engineerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "template not registered",
			err: &engineerrors.NotFoundError{
				Resource: "template",
				ID:       "summarize-prompt",
			},
			wantMsg: `no template registered as "summarize-prompt"`,
		},
		{
			name: "node not registered",
			err: &engineerrors.NotFoundError{
				Resource: "node",
				ID:       "enrich",
			},
			wantMsg: `no node registered as "enrich"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *engineerrors.ProviderError
		want    []string // strings that should appear in error message
		notWant []string // strings that should not appear
	}{
		{
			name: "with model",
			err: &engineerrors.ProviderError{
				Provider: "anthropic",
				Model:    "claude-sonnet",
				Message:  "completion failed",
			},
			want:    []string{"anthropic", "claude-sonnet", "completion failed"},
			notWant: []string{},
		},
		{
			name: "without model",
			err: &engineerrors.ProviderError{
				Provider: "openai",
				Message:  "completion failed",
			},
			want:    []string{"openai", "completion failed"},
			notWant: []string{"model"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("ProviderError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("ProviderError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &engineerrors.ProviderError{
		Provider: "anthropic",
		Model:    "claude-sonnet",
		Message:  "completion failed",
		Cause:    cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ProviderError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *engineerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with document",
			err: &engineerrors.ConfigError{
				Document: "workflow",
				Reason:   "failed to parse workflow definition",
			},
			wantMsg: "cannot load workflow configuration: failed to parse workflow definition",
		},
		{
			name: "without document",
			err: &engineerrors.ConfigError{
				Reason: "document is empty",
			},
			wantMsg: "cannot load configuration: document is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3: mapping values are not allowed")
	err := &engineerrors.ConfigError{
		Document: "workflow",
		Reason:   "failed to parse workflow definition",
		Cause:    cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *engineerrors.TimeoutError
		want []string
	}{
		{
			name: "mcp call timeout",
			err: &engineerrors.TimeoutError{
				Operation: `mcp call "tools/call"`,
				Duration:  30 * time.Second,
			},
			want: []string{"tools/call", "30s"},
		},
		{
			name: "workflow deadline",
			err: &engineerrors.TimeoutError{
				Operation: `workflow "ingest"`,
				Duration:  2 * time.Minute,
			},
			want: []string{"ingest", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &engineerrors.TimeoutError{
		Operation: "pool acquire",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &engineerrors.ValidationError{
			Field:   "routing",
			Message: "router has no routing entries",
		}
		wrapped := fmt.Errorf("building workflow: %w", original)

		var target *engineerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "routing" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "routing")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &engineerrors.NotFoundError{
			Resource: "template",
			ID:       "greeting",
		}
		wrapped := fmt.Errorf("rendering prompt: %w", original)

		var target *engineerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "template" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "template")
		}
	})

	t.Run("ProviderError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("connection reset")
		providerErr := &engineerrors.ProviderError{
			Provider: "anthropic",
			Model:    "claude-sonnet",
			Message:  "completion failed",
			Cause:    rootCause,
		}
		wrapped := fmt.Errorf("agent node: %w", providerErr)

		var target *engineerrors.ProviderError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ProviderError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ProviderError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("unexpected end of stream")
		configErr := &engineerrors.ConfigError{
			Document: "workflow",
			Reason:   "failed to parse workflow definition",
			Cause:    rootCause,
		}
		wrapped := fmt.Errorf("loading topology: %w", configErr)

		var target *engineerrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &engineerrors.TimeoutError{
			Operation: "mcp call",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("invoking tool: %w", timeoutErr)

		var target *engineerrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &engineerrors.ValidationError{Field: "start"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &engineerrors.NotFoundError{Resource: "node", ID: "enrich"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
