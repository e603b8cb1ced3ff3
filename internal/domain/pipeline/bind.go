package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

var errFieldMissing = fmt.Errorf("field not found: %w", ErrInvalidBinding)

// MergeKey is the Inputs key whose bound object is merged into the step input.
const MergeKey = "*"

// ResolveInput builds the input document of a step from the run input and
// the outputs of succeeded steps. A step without bindings receives the run
// input unchanged.
func ResolveInput(s *Step, runInput json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	if len(s.Inputs) == 0 {
		if len(runInput) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return runInput, nil
	}

	var input any
	if len(runInput) > 0 {
		if err := json.Unmarshal(runInput, &input); err != nil {
			return nil, fmt.Errorf("decode run input: %w", err)
		}
	}

	doc := make(map[string]any, len(s.Inputs))
	// Merge first so explicit fields win.
	keys := slices.Sorted(maps.Keys(s.Inputs))
	slices.SortStableFunc(keys, func(a, b string) int {
		switch {
		case a == MergeKey && b != MergeKey:
			return -1
		case b == MergeKey && a != MergeKey:
			return 1
		}
		return 0
	})

	for _, field := range keys {
		expr := s.Inputs[field]
		b, err := ParseBinding(expr)
		if err != nil {
			return nil, err
		}
		var root any
		switch b.Source {
		case SourceInput:
			root = input
		case SourceStep:
			raw, ok := outputs[b.StepID]
			if !ok {
				return nil, fmt.Errorf("binding %q: step %s has no output: %w", expr, b.StepID, ErrInvalidBinding)
			}
			if err := json.Unmarshal(raw, &root); err != nil {
				return nil, fmt.Errorf("decode output of %s: %w", b.StepID, err)
			}
		}
		val, err := lookup(root, b.Path)
		if errors.Is(err, errFieldMissing) && b.Source == SourceInput {
			// Optional request fields are simply left out; schemas decide.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", expr, err)
		}
		if field == MergeKey {
			obj, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("binding %q: merge source is not an object: %w", expr, ErrInvalidBinding)
			}
			maps.Copy(doc, obj)
			continue
		}
		doc[field] = val
	}

	return json.Marshal(doc)
}

func lookup(v any, path []string) (any, error) {
	for _, p := range path {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[p]
			if !ok {
				return nil, fmt.Errorf("field %q: %w", p, errFieldMissing)
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("index %q out of range: %w", p, ErrInvalidBinding)
			}
			v = node[idx]
		case nil:
			return nil, fmt.Errorf("field %q: %w", p, errFieldMissing)
		default:
			return nil, fmt.Errorf("cannot descend into %q: %w", p, ErrInvalidBinding)
		}
	}
	return v, nil
}
