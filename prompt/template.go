/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prompt renders automation-rule prompt templates. Templates use
// {{name}} placeholders; the rule's variable mapping binds each name to a
// dotted path into a trace payload (input.question, output.answer,
// metadata.model). Rendering is strict: an unbound placeholder is an error,
// never silently dropped, so a misconfigured rule fails loudly at scoring time
// instead of producing a mangled judge prompt.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// resolveFunc is a callback that provides a replacement for a placeholder name
type resolveFunc func(name string) (string, error)

// Template is a parsed prompt template with {{name}} placeholders.
type Template struct {
	text      string
	variables map[string]struct{}
}

// New parses a template and collects its placeholder names.
func New(text string) (*Template, error) {
	variables := make(map[string]struct{})

	// Walk once to validate the template and collect placeholders. The result
	// is discarded; placeholders are substituted at Render time.
	if _, err := walk(text, func(name string) (string, error) {
		variables[name] = struct{}{}
		return "", nil
	}); err != nil {
		return nil, err
	}

	return &Template{
		text:      text,
		variables: variables,
	}, nil
}

// MustNew is like New but panics on a malformed template. Intended for
// package-level template literals.
func MustNew(text string) *Template {
	t, err := New(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Variables returns the placeholder names found in the template as a set.
func (t *Template) Variables() map[string]struct{} {
	names := make(map[string]struct{}, len(t.variables))
	for name := range t.variables {
		names[name] = struct{}{}
	}
	return names
}

// Render substitutes every placeholder from values. Every placeholder must
// have a value; extra values are ignored.
func (t *Template) Render(values map[string]string) (string, error) {
	return walk(t.text, func(name string) (string, error) {
		val, ok := values[name]
		if !ok {
			return "", fmt.Errorf("unbound placeholder %q", name)
		}
		return val, nil
	})
}

// walk tokenizes the template and calls resolve for each placeholder
func walk(template string, resolve resolveFunc) (string, error) {
	var result strings.Builder

	for len(template) > 0 {
		// Find the next potential placeholder
		start := strings.Index(template, "{{")
		if start == -1 {
			// No more placeholders, append the rest
			result.WriteString(template)
			break
		}

		// Append everything before the placeholder
		result.WriteString(template[:start])

		// Find the end of the placeholder
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Malformed template, no closing }}
			return "", errors.New("unclosed placeholder: missing '}}'")
		}
		end += start + 2 // Adjust for the offset and include }}

		// Extract the placeholder name
		placeholder := template[start:end]
		name := strings.TrimSpace(placeholder[2 : len(placeholder)-2])

		// Only process valid identifiers (letters, digits, underscores)
		if isValidIdentifier(name) {
			replacement, err := resolve(name)
			if err != nil {
				return "", err
			}
			result.WriteString(replacement)
		} else {
			// Invalid identifier in placeholder
			return "", fmt.Errorf("invalid placeholder identifier %q", name)
		}

		// Move past this placeholder
		template = template[end:]
	}

	return result.String(), nil
}

// isValidIdentifier checks if a string is a valid placeholder identifier.
// Valid identifiers must start with a letter and contain only letters, digits,
// and underscores.
func isValidIdentifier(s string) bool {
	if len(s) == 0 {
		return false
	}
	runes := []rune(s)
	if !unicode.IsLetter(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
