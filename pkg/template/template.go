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

// Package template implements the Handlebars-style prompt template
// engine: parse, validate against declared variables, and render with a
// closed, enumerated helper set. Templates are compiled once and cached
// by name.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mbleigh/raymond"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// VariableKind enumerates the declared shapes a template variable may
// take.
type VariableKind int

const (
	KindString VariableKind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k VariableKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Variable declares one template input.
type Variable struct {
	Name     string
	Kind     VariableKind
	Required bool
}

// Template is a parsed, validated, cache-ready handlebars source.
type Template struct {
	Name              string
	Source            string
	DeclaredVariables []Variable
	referencedVars    map[string]struct{}
	helperUses        []helperUse
	compiled          *raymond.Template
}

// helperUse records that a helper invocation consumes a variable as its
// subject argument, so Validate and Render can check the variable's kind
// against what the helper can operate on.
type helperUse struct {
	helper   string
	variable string
}

// helperArgKinds enumerates, for each helper with a constrained subject
// argument, the variable kinds it accepts. Helpers absent from the table
// (default, json) accept any kind.
var helperArgKinds = map[string][]VariableKind{
	"uppercase": {KindString},
	"lowercase": {KindString},
	"truncate":  {KindString},
	"join":      {KindArray},
}

func helperAccepts(helper string, kind VariableKind) bool {
	allowed, ok := helperArgKinds[helper]
	if !ok {
		return true
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}

// kindOf maps a binding's dynamic type onto the declared variable
// kinds. ok is false for nil and for types with no kind equivalent,
// which are left for the helper itself to handle.
func kindOf(v any) (VariableKind, bool) {
	switch v.(type) {
	case string:
		return KindString, true
	case bool:
		return KindBool, true
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return KindNumber, true
	case map[string]any:
		return KindObject, true
	case []any, []string, []int, []float64:
		return KindArray, true
	default:
		return 0, false
	}
}

// helperRefPattern matches a bare {{identifier}} or {{identifier.path}}
// reference, used to discover which top-level variables a template
// mentions. Helper invocations like {{uppercase name}} are matched too;
// the first token inside the braces (after stripping a leading helper
// name known to the closed set) is treated as the variable reference.
var helperRefPattern = regexp.MustCompile(`\{\{\s*!?\s*([#/]?)([a-zA-Z_][a-zA-Z0-9_.]*)((?:\s+[^\s\}]+)*)\s*\}\}`)

// closedHelperSet is the complete, enumerated set of helpers the engine
// exposes to templates. No other helper names may appear in a template.
var closedHelperSet = map[string]bool{
	"uppercase": true,
	"lowercase": true,
	"default":   true,
	"json":      true,
	"truncate":  true,
	"join":      true,
}

func init() {
	raymond.RegisterHelper("uppercase", func(s string) string {
		return strings.ToUpper(s)
	})
	raymond.RegisterHelper("lowercase", func(s string) string {
		return strings.ToLower(s)
	})
	raymond.RegisterHelper("default", func(v any, fallback any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	})
	raymond.RegisterHelper("json", func(v any) raymond.SafeString {
		data, err := json.Marshal(v)
		if err != nil {
			return raymond.SafeString("")
		}
		return raymond.SafeString(string(data))
	})
	raymond.RegisterHelper("truncate", func(s string, n int) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n]) + "..."
	})
	raymond.RegisterHelper("join", func(items any, sep string) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []any:
			parts := make([]string, len(v))
			for i, item := range v {
				parts[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(parts, sep)
		default:
			return fmt.Sprintf("%v", items)
		}
	})
}

// Parse validates brace matching (delegated to raymond's own parser),
// extracts the set of variable references appearing in the source, and
// rejects any helper invocation outside the closed set.
func Parse(name, source string) (*Template, error) {
	compiled, err := raymond.Parse(source)
	if err != nil {
		return nil, &engineerrors.TemplateError{Template: name, Reason: err.Error()}
	}

	refs := make(map[string]struct{})
	var uses []helperUse
	for _, m := range helperRefPattern.FindAllStringSubmatch(source, -1) {
		blockMarker := m[1]
		head := m[2]
		rest := m[3]

		if strings.HasPrefix(strings.TrimLeft(m[0][2:], " \t"), "!") {
			continue // comment, e.g. {{! ignored }}
		}
		if blockMarker == "/" || head == "else" {
			continue // block close, e.g. {{/if}}, {{else}}
		}

		args := strings.Fields(rest)

		if len(args) == 0 && blockMarker == "" {
			// A bare reference, e.g. {{name}} or {{user.email}}.
			refs[strings.SplitN(head, ".", 2)[0]] = struct{}{}
			continue
		}

		// Anything with arguments (or a block marker) is a helper
		// invocation; its head must come from the closed set.
		if !isKnownBlockHelper(head) && !closedHelperSet[head] {
			return nil, &engineerrors.TemplateError{
				Template: name,
				Reason:   fmt.Sprintf("unknown helper %q is not in the closed helper set", head),
			}
		}

		subjectRecorded := false
		for _, arg := range args {
			if isLiteral(arg) {
				continue
			}
			varName := strings.SplitN(arg, ".", 2)[0]
			refs[varName] = struct{}{}
			if closedHelperSet[head] && !subjectRecorded {
				uses = append(uses, helperUse{helper: head, variable: varName})
				subjectRecorded = true
			}
		}
	}

	return &Template{
		Name:           name,
		Source:         source,
		referencedVars: refs,
		helperUses:     uses,
		compiled:       compiled,
	}, nil
}

func isLiteral(arg string) bool {
	if arg == "" {
		return true
	}
	if strings.HasPrefix(arg, `"`) || strings.HasPrefix(arg, `'`) {
		return true
	}
	switch arg {
	case "true", "false", "null":
		return true
	}
	c := arg[0]
	return c == '-' || (c >= '0' && c <= '9')
}

func isKnownBlockHelper(head string) bool {
	switch head {
	case "if", "unless", "each", "with":
		return true
	default:
		return false
	}
}

// Validate ensures every variable referenced by the template is present
// in declared, and records declared for use by Render's required-variable
// check.
func (t *Template) Validate(declared []Variable) error {
	byName := make(map[string]Variable, len(declared))
	for _, v := range declared {
		byName[v.Name] = v
	}

	for ref := range t.referencedVars {
		if _, ok := byName[ref]; !ok {
			return &engineerrors.TemplateError{
				Template: t.Name,
				Reason:   fmt.Sprintf("template references undeclared variable %q", ref),
			}
		}
	}

	for _, use := range t.helperUses {
		declared, ok := byName[use.variable]
		if !ok {
			continue // already reported above
		}
		if !helperAccepts(use.helper, declared.Kind) {
			return &engineerrors.TypeMismatchError{
				Template: t.Name,
				Helper:   use.helper,
				Reason:   fmt.Sprintf("variable %q is declared %s", use.variable, declared.Kind),
			}
		}
	}

	t.DeclaredVariables = declared
	return nil
}

// Render substitutes bindings into the compiled template. It fails with
// MissingVariableError if a required declared variable has no binding,
// and returns the raymond execution error wrapped as a TemplateError
// otherwise.
func (t *Template) Render(bindings map[string]any) (string, error) {
	for _, v := range t.DeclaredVariables {
		if !v.Required {
			continue
		}
		if _, ok := bindings[v.Name]; !ok {
			return "", &engineerrors.MissingVariableError{Template: t.Name, Variable: v.Name}
		}
	}

	for _, use := range t.helperUses {
		bound, ok := bindings[use.variable]
		if !ok {
			continue
		}
		kind, known := kindOf(bound)
		if known && !helperAccepts(use.helper, kind) {
			return "", &engineerrors.TypeMismatchError{
				Template: t.Name,
				Helper:   use.helper,
				Reason:   fmt.Sprintf("variable %q is bound to a %s value", use.variable, kind),
			}
		}
	}

	out, err := t.compiled.Exec(bindings)
	if err != nil {
		return "", &engineerrors.TemplateError{Template: t.Name, Reason: err.Error()}
	}
	return out, nil
}

// Registry compiles templates once and caches them by name. Re-rendering
// a registered template never re-parses its source.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry constructs an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register parses, validates, and caches a template under name. Calling
// Register again with the same name replaces the cached entry.
func (r *Registry) Register(name, source string, declared []Variable) (*Template, error) {
	tmpl, err := Parse(name, source)
	if err != nil {
		return nil, err
	}
	if err := tmpl.Validate(declared); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.templates[name] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

// Get retrieves a previously registered template by name.
func (r *Registry) Get(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// RenderNamed looks up a registered template and renders it.
func (r *Registry) RenderNamed(name string, bindings map[string]any) (string, error) {
	tmpl, ok := r.Get(name)
	if !ok {
		return "", &engineerrors.NotFoundError{Resource: "template", ID: name}
	}
	return tmpl.Render(bindings)
}
