/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"chainguard.dev/evalflow/prompt"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

// contextVariable is the implicit template variable bound to the rendered
// conversation transcript for thread-scoped rules.
const contextVariable = "context"

// buildTracePrompt renders the rule's template against a single trace. Every
// template variable must resolve through the rule's variable mapping, so a
// rule referencing a field the trace does not carry fails here rather than
// producing a prompt with holes in it.
func buildTracePrompt(spec *rules.JudgeSpec, tr traces.Trace) (string, error) {
	tmpl, err := prompt.New(spec.Template)
	if err != nil {
		return "", fmt.Errorf("parsing rule template: %w", err)
	}
	values, err := prompt.ResolveVariables(spec.Variables, tr)
	if err != nil {
		return "", err
	}
	rendered, err := tmpl.Render(values)
	if err != nil {
		return "", err
	}
	return rendered + "\n\n" + scoringInstructions(spec.Metrics), nil
}

// buildThreadPrompt renders the rule's template with the conversation
// transcript bound to the "context" variable.
func buildThreadPrompt(spec *rules.JudgeSpec, conversation []traces.Trace) (string, error) {
	tmpl, err := prompt.New(spec.Template)
	if err != nil {
		return "", fmt.Errorf("parsing rule template: %w", err)
	}
	rendered, err := tmpl.Render(map[string]string{
		contextVariable: formatTranscript(conversation),
	})
	if err != nil {
		return "", err
	}
	return rendered + "\n\n" + scoringInstructions(spec.Metrics), nil
}

// formatTranscript renders a thread's traces as an ordered exchange of user
// and assistant turns. Traces without an input or output simply omit that
// turn.
func formatTranscript(conversation []traces.Trace) string {
	var sb strings.Builder
	for _, tr := range conversation {
		if len(tr.Input) > 0 {
			sb.WriteString("user: ")
			sb.WriteString(compactJSON(tr.Input))
			sb.WriteString("\n")
		}
		if len(tr.Output) > 0 {
			sb.WriteString("assistant: ")
			sb.WriteString(compactJSON(tr.Output))
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func compactJSON(raw json.RawMessage) string {
	// Bare JSON strings read better without their quotes in a transcript.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// scoringInstructions tells the model which metrics to score and pins the
// response format so parseResults can decode it.
func scoringInstructions(metrics []rules.MetricSpec) string {
	var sb strings.Builder
	sb.WriteString("Score the content above on each of the following metrics:\n")
	for _, m := range metrics {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Name, m.Description)
	}
	sb.WriteString(`
Respond with ONLY a JSON object of the form:
{"scores": [{"name": "<metric name>", "value": <0.0 to 1.0>, "reason": "<one sentence>"}]}

Include exactly one entry per metric, using the metric names verbatim.
Do not include any text outside the JSON object.`)
	return sb.String()
}
