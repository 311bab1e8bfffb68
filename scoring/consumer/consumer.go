/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"chainguard.dev/evalflow/metrics"
	"chainguard.dev/evalflow/prompt"
	"chainguard.dev/evalflow/scoring/feedback"
	"chainguard.dev/evalflow/scoring/judge"
	"chainguard.dev/evalflow/scoring/pythonevaluator"
	"chainguard.dev/evalflow/scoring/queue"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
	"chainguard.dev/evalflow/userlog"
	"github.com/chainguard-dev/clog"
)

// terminal outcomes recorded per message.
const (
	outcomeScored       = "scored"
	outcomeRuleNotFound = "rule_not_found"
	outcomeFailed       = "failed"
)

// defaultThreadConcurrency bounds how many threads of one message are scored
// in parallel.
const defaultThreadConcurrency = 4

// Judges resolves the judge backend for a provider. Only providers that
// appear in rules need an entry; a rule whose provider is missing fails that
// message's scoring with a user-visible error.
type Judges map[rules.Provider]judge.Interface

// Deps are the collaborators a Scorer needs. All fields are required except
// Metrics, which defaults to a fresh pipeline.
type Deps struct {
	Rules    rules.Store
	Traces   traces.Reader
	Marks    traces.Watermarker
	Feedback *feedback.Writer
	Judges   Judges
	Python   pythonevaluator.Interface
	UserLog  *userlog.Logger
	Metrics  *metrics.Pipeline
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithThreadConcurrency bounds per-message thread scoring parallelism.
func WithThreadConcurrency(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.threadConcurrency = n
		}
	}
}

// Scorer handles scoring messages: it resolves the rule, builds the evaluator
// request, calls the external evaluator, and persists the resulting feedback
// scores. Its Handle method is the queue.Handler the stream consumer drives.
//
// Errors returned from Handle mark the message failed in metrics and the
// operational log, but never cause redelivery; evaluator failures are for the
// rule owner's log, not for the retry loop.
type Scorer struct {
	deps              Deps
	threadConcurrency int
}

// New creates a Scorer from its collaborators.
func New(deps Deps, opts ...Option) (*Scorer, error) {
	switch {
	case deps.Rules == nil:
		return nil, errors.New("rule store is required")
	case deps.Traces == nil:
		return nil, errors.New("trace reader is required")
	case deps.Marks == nil:
		return nil, errors.New("thread watermarker is required")
	case deps.Feedback == nil:
		return nil, errors.New("feedback writer is required")
	case deps.UserLog == nil:
		return nil, errors.New("user log is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewPipeline("evalflow/scoring")
	}
	s := &Scorer{
		deps:              deps,
		threadConcurrency: defaultThreadConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle processes one scoring message end to end.
func (s *Scorer) Handle(ctx context.Context, msg queue.Message) error {
	log := clog.FromContext(ctx).With(
		"rule_id", msg.RuleID,
		"project_id", msg.ProjectID,
		"workspace_id", msg.WorkspaceID)
	ctx = clog.WithLogger(ctx, log)

	rule, err := s.deps.Rules.FindByID(ctx, msg.RuleID, msg.ProjectID, msg.WorkspaceID)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			// Deleted between enqueue and dequeue; a normal skip.
			log.Warn("automation rule no longer exists, skipping message")
			s.deps.Metrics.RecordMessage(ctx, string(msg.RuleType), outcomeRuleNotFound)
			return nil
		}
		s.deps.Metrics.RecordMessage(ctx, string(msg.RuleType), outcomeFailed)
		return fmt.Errorf("resolving rule %s: %w", msg.RuleID, err)
	}

	var handleErr error
	switch rule.Type {
	case rules.LLMJudgeTrace, rules.PythonTrace:
		handleErr = s.scoreTrace(ctx, rule, msg)
	case rules.LLMJudgeThread, rules.PythonThread:
		handleErr = s.scoreThreads(ctx, rule, msg)
	default:
		handleErr = fmt.Errorf("unknown rule type %q", rule.Type)
	}

	outcome := outcomeScored
	if handleErr != nil {
		outcome = outcomeFailed
	}
	s.deps.Metrics.RecordMessage(ctx, string(rule.Type), outcome)
	return handleErr
}

// scoreTrace evaluates a single trace and persists its scores.
func (s *Scorer) scoreTrace(ctx context.Context, rule *rules.Rule, msg queue.Message) error {
	if msg.Trace == nil {
		return fmt.Errorf("rule %s: message carries no trace", rule.ID)
	}
	tr := *msg.Trace

	scores, err := s.evaluateTrace(ctx, rule, tr)
	if err != nil {
		s.deps.UserLog.Log(ctx, msg.WorkspaceID, rule.ID, userlog.LevelError,
			"evaluation failed for trace %s: %v", tr.ID, err)
		return fmt.Errorf("evaluating trace %s: %w", tr.ID, err)
	}

	items := make([]feedback.Score, 0, len(scores))
	for _, score := range scores {
		score.TraceID = tr.ID
		score.ProjectID = msg.ProjectID
		items = append(items, score)
	}
	if err := s.deps.Feedback.ScoreBatchOfTraces(ctx, msg.WorkspaceID, items); err != nil {
		return fmt.Errorf("persisting scores for trace %s: %w", tr.ID, err)
	}
	s.deps.Metrics.RecordScores(ctx, string(rule.Type), int64(len(items)))
	return nil
}

// scoreThreads evaluates each thread in the message with bounded parallelism.
// Individual thread failures are logged to the rule owner and collected; the
// scoredAt watermark advances for every thread id in the message regardless,
// since it exists to prevent reprocessing, not to track success.
func (s *Scorer) scoreThreads(ctx context.Context, rule *rules.Rule, msg queue.Message) error {
	// A plain group, not WithContext: one thread's failure is logged for the
	// rule owner and must not cancel its siblings mid-evaluation.
	var group errgroup.Group
	group.SetLimit(s.threadConcurrency)
	for _, threadID := range msg.ThreadIDs {
		group.Go(func() error {
			if err := s.scoreThread(ctx, rule, msg, threadID); err != nil {
				s.deps.UserLog.Log(ctx, msg.WorkspaceID, rule.ID, userlog.LevelError,
					"evaluation failed for thread %s: %v", threadID, err)
				return fmt.Errorf("thread %s: %w", threadID, err)
			}
			return nil
		})
	}
	scoreErr := group.Wait()

	// Watermark even when scoring failed, on a context that survives shutdown.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Marks.SetScoredAt(markCtx, msg.ProjectID, msg.ThreadIDs, time.Now().UTC()); err != nil {
		scoreErr = errors.Join(scoreErr, fmt.Errorf("advancing scoredAt watermark: %w", err))
	}
	return scoreErr
}

func (s *Scorer) scoreThread(ctx context.Context, rule *rules.Rule, msg queue.Message, threadID string) error {
	log := clog.FromContext(ctx)

	conversation, err := s.deps.Traces.TracesForThread(ctx, msg.ProjectID, threadID)
	if err != nil {
		return fmt.Errorf("fetching traces: %w", err)
	}
	if len(conversation) == 0 {
		// A thread without content cannot be evaluated; skip silently.
		log.Infof("thread %s has no traces, skipping", threadID)
		return nil
	}
	// Reproducible prompt construction needs a stable trace order.
	sort.Slice(conversation, func(i, j int) bool {
		return conversation[i].ID < conversation[j].ID
	})

	threadModelID, err := s.deps.Traces.ThreadModelID(ctx, msg.ProjectID, threadID)
	if err != nil {
		return fmt.Errorf("resolving thread model id: %w", err)
	}

	scores, err := s.evaluateThread(ctx, rule, conversation)
	if err != nil {
		return err
	}

	items := make([]feedback.Score, 0, len(scores))
	for _, score := range scores {
		score.ThreadID = threadID
		score.ThreadModelID = threadModelID
		score.ProjectID = msg.ProjectID
		items = append(items, score)
	}
	if err := s.deps.Feedback.ScoreBatchOfThreads(ctx, msg.WorkspaceID, items); err != nil {
		return fmt.Errorf("persisting scores: %w", err)
	}
	s.deps.Metrics.RecordScores(ctx, string(rule.Type), int64(len(items)))
	return nil
}

// evaluateTrace dispatches a single trace to the rule's evaluator.
func (s *Scorer) evaluateTrace(ctx context.Context, rule *rules.Rule, tr traces.Trace) ([]feedback.Score, error) {
	start := time.Now()
	switch rule.Type {
	case rules.LLMJudgeTrace:
		j, err := s.judgeFor(rule)
		if err != nil {
			return nil, err
		}
		results, err := j.ScoreTrace(ctx, rule.Judge, tr)
		s.deps.Metrics.RecordEvaluatorLatency(ctx, string(rule.Judge.Provider), time.Since(start))
		if err != nil {
			return nil, err
		}
		return judgeScores(results), nil

	case rules.PythonTrace:
		if s.deps.Python == nil {
			return nil, errors.New("python evaluator is not configured")
		}
		data, err := pythonTraceData(rule.Python, tr)
		if err != nil {
			return nil, err
		}
		results, err := s.deps.Python.EvaluateTrace(ctx, rule.Python.Code, data)
		s.deps.Metrics.RecordEvaluatorLatency(ctx, "python", time.Since(start))
		if err != nil {
			return nil, err
		}
		return pythonScores(results), nil

	default:
		return nil, fmt.Errorf("rule type %q does not score traces", rule.Type)
	}
}

// evaluateThread dispatches a conversation to the rule's evaluator.
func (s *Scorer) evaluateThread(ctx context.Context, rule *rules.Rule, conversation []traces.Trace) ([]feedback.Score, error) {
	start := time.Now()
	switch rule.Type {
	case rules.LLMJudgeThread:
		j, err := s.judgeFor(rule)
		if err != nil {
			return nil, err
		}
		results, err := j.ScoreThread(ctx, rule.Judge, conversation)
		s.deps.Metrics.RecordEvaluatorLatency(ctx, string(rule.Judge.Provider), time.Since(start))
		if err != nil {
			return nil, err
		}
		return judgeScores(results), nil

	case rules.PythonThread:
		if s.deps.Python == nil {
			return nil, errors.New("python evaluator is not configured")
		}
		results, err := s.deps.Python.EvaluateThread(ctx, rule.Python.Code, pythonThreadData(conversation))
		s.deps.Metrics.RecordEvaluatorLatency(ctx, "python", time.Since(start))
		if err != nil {
			return nil, err
		}
		return pythonScores(results), nil

	default:
		return nil, fmt.Errorf("rule type %q does not score threads", rule.Type)
	}
}

func (s *Scorer) judgeFor(rule *rules.Rule) (judge.Interface, error) {
	j, ok := s.deps.Judges[rule.Judge.Provider]
	if !ok {
		return nil, fmt.Errorf("no judge configured for provider %q", rule.Judge.Provider)
	}
	return j, nil
}

func judgeScores(results []judge.Result) []feedback.Score {
	scores := make([]feedback.Score, 0, len(results))
	for _, r := range results {
		scores = append(scores, feedback.Score{
			Name:         r.Name,
			Value:        r.Value,
			CategoryName: r.Category,
			Reason:       r.Reason,
			Source:       feedback.SourceOnlineScoring,
		})
	}
	return scores
}

func pythonScores(results []pythonevaluator.Score) []feedback.Score {
	scores := make([]feedback.Score, 0, len(results))
	for _, r := range results {
		scores = append(scores, feedback.Score{
			Name:   r.Name,
			Value:  r.Value,
			Reason: r.Reason,
			Source: feedback.SourceOnlineScoring,
		})
	}
	return scores
}

// pythonTraceData resolves the rule's argument mapping against the trace.
func pythonTraceData(spec *rules.PythonSpec, tr traces.Trace) (map[string]any, error) {
	values, err := prompt.ResolveVariables(spec.Arguments, tr)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(values))
	for name, value := range values {
		data[name] = value
	}
	return data, nil
}

// pythonThreadData renders a conversation as the evaluator's turn list.
func pythonThreadData(conversation []traces.Trace) []map[string]any {
	turns := make([]map[string]any, 0, len(conversation))
	for _, tr := range conversation {
		turn := map[string]any{"id": tr.ID}
		if len(tr.Input) > 0 {
			turn["input"] = decodeRaw(tr.Input)
		}
		if len(tr.Output) > 0 {
			turn["output"] = decodeRaw(tr.Output)
		}
		if len(tr.Metadata) > 0 {
			turn["metadata"] = decodeRaw(tr.Metadata)
		}
		turns = append(turns, turn)
	}
	return turns
}

func decodeRaw(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
