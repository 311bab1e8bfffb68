/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"chainguard.dev/evalflow/traces"
)

// ResolveVariables resolves a rule's variable mapping against a single trace.
// The mapping binds placeholder names to dotted paths whose first segment
// selects the trace section (input, output, metadata); the remaining segments
// walk into that section's JSON. A path whose target is a JSON string resolves
// to the bare string; any other JSON value resolves to its compact encoding.
//
// A path that does not resolve is an error: the rule references content this
// trace does not have, which the rule owner needs to see.
func ResolveVariables(mapping map[string]string, tr traces.Trace) (map[string]string, error) {
	values := make(map[string]string, len(mapping))
	for name, path := range mapping {
		val, err := resolvePath(tr, path)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		values[name] = val
	}
	return values, nil
}

// resolvePath walks a dotted path against the trace sections.
func resolvePath(tr traces.Trace, path string) (string, error) {
	segments := strings.Split(path, ".")

	var section json.RawMessage
	switch segments[0] {
	case "input":
		section = tr.Input
	case "output":
		section = tr.Output
	case "metadata":
		section = tr.Metadata
	default:
		return "", fmt.Errorf("unknown trace section %q in path %q", segments[0], path)
	}
	if len(section) == 0 {
		return "", fmt.Errorf("trace has no %s section for path %q", segments[0], path)
	}

	var node any
	if err := json.Unmarshal(section, &node); err != nil {
		return "", fmt.Errorf("decoding %s section: %w", segments[0], err)
	}

	for _, seg := range segments[1:] {
		obj, ok := node.(map[string]any)
		if !ok {
			return "", fmt.Errorf("path %q traverses a non-object value at %q", path, seg)
		}
		node, ok = obj[seg]
		if !ok {
			return "", fmt.Errorf("path %q not found (missing %q)", path, seg)
		}
	}

	// Bare strings render unquoted; everything else as compact JSON.
	if s, ok := node.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("encoding value at %q: %w", path, err)
	}
	return string(encoded), nil
}
