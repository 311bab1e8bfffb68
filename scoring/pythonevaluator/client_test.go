/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pythonevaluator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEvaluateTrace(t *testing.T) {
	var gotRequest evaluateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != evaluatePath {
			t.Errorf("request = %s %s, wanted POST %s", r.Method, r.URL.Path, evaluatePath)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(evaluateResponse{Scores: []Score{
			{Name: "length", Value: 0.75, Reason: "within bounds"},
		}})
	}))
	defer server.Close()

	client := New(server.URL)
	scores, err := client.EvaluateTrace(context.Background(), "def score(output): ...", map[string]any{
		"output": "hello",
	})
	if err != nil {
		t.Fatalf("EvaluateTrace() = %v", err)
	}

	want := []Score{{Name: "length", Value: 0.75, Reason: "within bounds"}}
	if diff := cmp.Diff(want, scores); diff != "" {
		t.Errorf("EvaluateTrace() mismatch (-want, +got):\n%s", diff)
	}
	if gotRequest.Type != typeTrace {
		t.Errorf("request type = %q, wanted %q", gotRequest.Type, typeTrace)
	}
	if gotRequest.Code == "" {
		t.Error("request code was empty")
	}
}

func TestEvaluateThreadSendsThreadType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Type != typeThread {
			t.Errorf("request type = %q, wanted %q", req.Type, typeThread)
		}
		json.NewEncoder(w).Encode(evaluateResponse{})
	}))
	defer server.Close()

	client := New(server.URL)
	if _, err := client.EvaluateThread(context.Background(), "code", []map[string]any{{"input": "hi"}}); err != nil {
		t.Fatalf("EvaluateThread() = %v", err)
	}
}

func TestEvaluateSurfacesPythonError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(EvaluationError{
			Message:   "NameError: name 'scoer' is not defined",
			Traceback: "Traceback (most recent call last):\n  ...",
		})
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.EvaluateTrace(context.Background(), "scoer()", nil)

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("EvaluateTrace() error = %v, wanted *EvaluationError", err)
	}
	if evalErr.Traceback == "" {
		t.Error("EvaluationError missing traceback")
	}
}

func TestEvaluateUnstructuredFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.EvaluateTrace(context.Background(), "code", nil)
	if err == nil {
		t.Fatal("EvaluateTrace() = nil, wanted error")
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		t.Errorf("EvaluateTrace() error = %v, wanted a plain error for unstructured failures", err)
	}
}
