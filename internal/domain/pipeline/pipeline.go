// Package pipeline defines pipeline templates and the runs instantiated
// from them. A template is a DAG of agent steps whose inputs are bound to
// the external request or to earlier step outputs.
package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrNameRequired     = errors.New("template name is required")
	ErrIDRequired       = errors.New("template id is required")
	ErrNoSteps          = errors.New("template must have at least one step")
	ErrStepMissingID    = errors.New("step id is required")
	ErrStepMissingAgent = errors.New("step agent is required")
	ErrDuplicateStep    = errors.New("duplicate step id")
	ErrInvalidProtocol  = errors.New("invalid protocol")
	ErrInvalidBinding   = errors.New("invalid input binding")
	ErrDAGCycle         = errors.New("step dependencies contain a cycle")
	ErrDAGInvalidRef    = errors.New("step dependency references unknown step")
)

// Protocol defines how step order is derived.
type Protocol string

const (
	// ProtocolSequential chains every step after the previous one in
	// addition to its declared dependencies.
	ProtocolSequential Protocol = "sequential"
	// ProtocolDAG orders steps by declared and binding-derived dependencies only.
	ProtocolDAG Protocol = "dag"
)

// Template defines a reusable pipeline loaded from YAML or built in.
type Template struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Builtin     bool       `json:"builtin" yaml:"-"`
	Protocol    Protocol   `json:"protocol" yaml:"protocol"`
	MaxParallel int        `json:"max_parallel" yaml:"max_parallel"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec is one agent invocation in a template.
//
// Inputs maps a field of the step input to a binding expression:
// "input", "input.<path>", "steps.<id>" or "steps.<id>.<path>". The key
// "*" merges the bound object into the step input.
type StepSpec struct {
	ID        string            `json:"id" yaml:"id"`
	Agent     string            `json:"agent" yaml:"agent"`
	Inputs    map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Optional  bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Validate checks the template for structural correctness.
func (t *Template) Validate() error {
	if t.ID == "" {
		return ErrIDRequired
	}
	if t.Name == "" {
		return ErrNameRequired
	}

	switch t.Protocol {
	case "", ProtocolSequential, ProtocolDAG:
	default:
		return ErrInvalidProtocol
	}

	if len(t.Steps) == 0 {
		return ErrNoSteps
	}

	seen := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingID)
		}
		if s.Agent == "" {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepMissingAgent)
		}
		if seen[s.ID] {
			return fmt.Errorf("step %s: %w", s.ID, ErrDuplicateStep)
		}
		seen[s.ID] = true
		for field, expr := range s.Inputs {
			if _, err := ParseBinding(expr); err != nil {
				return fmt.Errorf("step %s input %s: %w", s.ID, field, err)
			}
		}
	}

	return t.validateDAG()
}

// Dependencies returns the effective dependency list of every step: the
// declared ones, the steps referenced by input bindings and, for
// sequential templates, the previous step.
func (t *Template) Dependencies() map[string][]string {
	deps := make(map[string][]string, len(t.Steps))
	for i, s := range t.Steps {
		set := make(map[string]bool)
		var list []string
		add := func(id string) {
			if id != "" && !set[id] {
				set[id] = true
				list = append(list, id)
			}
		}
		if t.Protocol == ProtocolSequential && i > 0 {
			add(t.Steps[i-1].ID)
		}
		for _, d := range s.DependsOn {
			add(d)
		}
		for _, field := range slices.Sorted(maps.Keys(s.Inputs)) {
			if b, err := ParseBinding(s.Inputs[field]); err == nil && b.Source == SourceStep {
				add(b.StepID)
			}
		}
		deps[s.ID] = list
	}
	return deps
}

// validateDAG checks that step dependencies form a valid DAG using Kahn's algorithm.
func (t *Template) validateDAG() error {
	deps := t.Dependencies()
	inDegree := make(map[string]int, len(t.Steps))
	adj := make(map[string][]string, len(t.Steps))
	for _, s := range t.Steps {
		inDegree[s.ID] += 0
	}

	for id, list := range deps {
		for _, dep := range list {
			if _, ok := inDegree[dep]; !ok {
				return fmt.Errorf("step %s depends on %s: %w", id, dep, ErrDAGInvalidRef)
			}
			if dep == id {
				return fmt.Errorf("step %s depends on itself: %w", id, ErrDAGCycle)
			}
			adj[dep] = append(adj[dep], id)
			inDegree[id]++
		}
	}

	queue := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(t.Steps) {
		return ErrDAGCycle
	}
	return nil
}

// BindingSource is where a binding reads from.
type BindingSource string

const (
	SourceInput BindingSource = "input"
	SourceStep  BindingSource = "steps"
)

// Binding is a parsed input binding expression.
type Binding struct {
	Source BindingSource
	StepID string
	Path   []string
}

// ParseBinding parses "input[.path]" or "steps.<id>[.path]".
func ParseBinding(expr string) (Binding, error) {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	for _, p := range parts {
		if p == "" {
			return Binding{}, fmt.Errorf("%q: %w", expr, ErrInvalidBinding)
		}
	}
	switch parts[0] {
	case string(SourceInput):
		return Binding{Source: SourceInput, Path: parts[1:]}, nil
	case string(SourceStep):
		if len(parts) < 2 {
			return Binding{}, fmt.Errorf("%q: missing step id: %w", expr, ErrInvalidBinding)
		}
		return Binding{Source: SourceStep, StepID: parts[1], Path: parts[2:]}, nil
	}
	return Binding{}, fmt.Errorf("%q: %w", expr, ErrInvalidBinding)
}
