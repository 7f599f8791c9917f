package agent

import (
	"context"
	"errors"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// maxToolRounds bounds the dispatch loop so a confused model cannot spin.
const maxToolRounds = 5

// LoopResult is one completed agent turn.
type LoopResult struct {
	Text      string
	ToolsUsed []string
	// ToolsSucceeded holds the tools that returned success:true, which the
	// post-processor needs to judge confirmation claims.
	ToolsSucceeded []string
	Rounds         int
}

// Loop drives the model/tool conversation to a final text answer.
type Loop struct {
	client   LLMClient
	executor *Executor
	model    string
	metrics  *metrics.Metrics
	log      *logging.Logger
}

func NewLoop(client LLMClient, executor *Executor, model string, log *logging.Logger) *Loop {
	if log == nil {
		log = logging.Default()
	}
	return &Loop{
		client:   client,
		executor: executor,
		model:    model,
		log:      log.Component("agent_loop"),
	}
}

// WithMetrics attaches the metrics sink.
func (l *Loop) WithMetrics(m *metrics.Metrics) *Loop {
	l.metrics = m
	return l
}

// Run converses until the model stops requesting tools or the round budget
// runs out. The returned text is the model's final answer, pre-guardrails.
func (l *Loop) Run(ctx context.Context, tc ToolContext, system []string, history []TurnMessage) (*LoopResult, error) {
	messages := make([]TurnMessage, len(history))
	copy(messages, history)

	result := &LoopResult{}
	for round := 0; round < maxToolRounds; round++ {
		began := time.Now()
		resp, err := l.client.Converse(ctx, ConverseRequest{
			Model:       l.model,
			System:      system,
			Messages:    messages,
			Tools:       ToolDefs(),
			MaxTokens:   1024,
			Temperature: 0.2,
		})
		l.metrics.ObserveLLMLatency(l.model, time.Since(began).Seconds())
		if err != nil {
			return nil, err
		}
		result.Rounds = round + 1

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			return result, nil
		}

		messages = append(messages, TurnMessage{
			Role:      RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			tr := l.executor.Execute(ctx, tc, call.Name, call.Input)
			result.ToolsUsed = append(result.ToolsUsed, call.Name)
			if tr.Success {
				result.ToolsSucceeded = append(result.ToolsSucceeded, call.Name)
			}
			messages = append(messages, TurnMessage{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Text:       MarshalResult(tr),
			})
		}
	}

	// Budget exhausted with the model still asking for tools. Ask once
	// more for a plain answer; if that also fails, surface an error.
	resp, err := l.client.Converse(ctx, ConverseRequest{
		Model:       l.model,
		System:      system,
		Messages:    append(messages, TurnMessage{Role: RoleUser, Text: "Summarize where we are for the customer in one or two sentences. Do not call any tools."}),
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}
	if resp.Text == "" {
		return nil, errors.New("agent: tool round budget exhausted without a final answer")
	}
	result.Text = resp.Text
	return result, nil
}

// Used reports whether the turn ran the named tool successfully.
func (r *LoopResult) Used(tool string) bool {
	for _, t := range r.ToolsSucceeded {
		if t == tool {
			return true
		}
	}
	return false
}
