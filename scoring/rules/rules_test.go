/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package rules

import "testing"

func validJudgeRule() Rule {
	return Rule{
		ID:           "rule-1",
		WorkspaceID:  "ws-1",
		ProjectID:    "proj-1",
		Name:         "answer-relevance",
		Type:         LLMJudgeThread,
		SamplingRate: 0.5,
		Enabled:      true,
		Judge: &JudgeSpec{
			Provider: ProviderAnthropic,
			Model:    "claude-sonnet-4-5",
			Template: "Rate the conversation:\n{{context}}",
			Metrics:  []MetricSpec{{Name: "relevance"}},
		},
	}
}

func validPythonRule() Rule {
	return Rule{
		ID:           "rule-2",
		WorkspaceID:  "ws-1",
		ProjectID:    "proj-1",
		Name:         "custom-metric",
		Type:         PythonTrace,
		SamplingRate: 1,
		Enabled:      true,
		Python: &PythonSpec{
			Code:      "def score(input, output): return 1.0",
			Arguments: map[string]string{"input": "input.question"},
		},
	}
}

func TestRule_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Rule)
		rule    Rule
		wantErr bool
	}{{
		name: "valid judge rule",
		rule: validJudgeRule(),
	}, {
		name: "valid python rule",
		rule: validPythonRule(),
	}, {
		name:    "missing id",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.ID = "" },
		wantErr: true,
	}, {
		name:    "sampling rate above one",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.SamplingRate = 1.5 },
		wantErr: true,
	}, {
		name:    "negative sampling rate",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.SamplingRate = -0.1 },
		wantErr: true,
	}, {
		name:    "judge rule without judge spec",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.Judge = nil },
		wantErr: true,
	}, {
		name:    "judge rule with python spec",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.Python = &PythonSpec{Code: "x"} },
		wantErr: true,
	}, {
		name:    "judge rule without metrics",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.Judge.Metrics = nil },
		wantErr: true,
	}, {
		name:    "judge rule without template",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.Judge.Template = "" },
		wantErr: true,
	}, {
		name:    "python rule without python spec",
		rule:    validPythonRule(),
		mutate:  func(r *Rule) { r.Python = nil },
		wantErr: true,
	}, {
		name:    "python rule with judge spec",
		rule:    validPythonRule(),
		mutate:  func(r *Rule) { r.Judge = &JudgeSpec{} },
		wantErr: true,
	}, {
		name:    "python rule without code",
		rule:    validPythonRule(),
		mutate:  func(r *Rule) { r.Python.Code = "" },
		wantErr: true,
	}, {
		name:    "unknown type",
		rule:    validJudgeRule(),
		mutate:  func(r *Rule) { r.Type = "sql_metric" },
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if tt.mutate != nil {
				tt.mutate(&rule)
			}
			if err := rule.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr = %t", err, tt.wantErr)
			}
		})
	}
}

func TestType_EntityKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ     Type
		want    EntityKind
		wantErr bool
	}{
		{typ: LLMJudgeTrace, want: EntityTrace},
		{typ: LLMJudgeThread, want: EntityThread},
		{typ: PythonTrace, want: EntityTrace},
		{typ: PythonThread, want: EntityThread},
		{typ: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			got, err := tt.typ.EntityKind()
			if (err != nil) != tt.wantErr {
				t.Fatalf("EntityKind() error = %v, wantErr = %t", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EntityKind() = %q, wanted = %q", got, tt.want)
			}
		})
	}
}
