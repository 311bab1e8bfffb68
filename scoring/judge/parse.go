/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package judge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"chainguard.dev/evalflow/scoring/rules"
)

// scoreEnvelope is the JSON shape the scoring instructions pin the model to.
type scoreEnvelope struct {
	Scores []Result `json:"scores"`
}

// parseResults decodes the model's response into scores and checks them
// against the rule's metric list. Scores for metrics the rule never asked
// about are dropped; a response covering none of the metrics is an error.
func parseResults(responseText string, metrics []rules.MetricSpec) ([]Result, error) {
	var envelope scoreEnvelope
	if err := json.Unmarshal([]byte(extractJSON(responseText)), &envelope); err != nil {
		return nil, fmt.Errorf("decoding judge response: %w", err)
	}

	known := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		known[m.Name] = true
	}

	var results []Result
	for _, score := range envelope.Scores {
		if !known[score.Name] {
			continue
		}
		if score.Value < 0 || score.Value > 1 {
			return nil, fmt.Errorf("score for %q out of range: %v", score.Name, score.Value)
		}
		results = append(results, score)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("judge response contained no scores for the requested metrics: %q", responseText)
	}
	return results, nil
}

// extractJSON pulls JSON content out of a response that may wrap it in
// markdown code fences. It prefers the first ```json block, and otherwise
// strips any fences wrapping the whole response.
func extractJSON(responseText string) string {
	lines := strings.Split(responseText, "\n")
	var buf bytes.Buffer
	inBlock := false
	for _, line := range lines {
		switch {
		case !inBlock && line == "```json":
			inBlock = true
		case inBlock && line == "```":
			return strings.TrimSpace(buf.String())
		case inBlock:
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(line)
		}
	}
	if inBlock {
		// Unterminated block, use what we collected.
		return strings.TrimSpace(buf.String())
	}

	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}
