// Package planner asks an agent to break a task into ordered steps.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/task"
)

const (
	defaultMaxSteps = 12

	systemPrompt = "You plan software tasks. Break the task into a short ordered list of concrete steps. " +
		"Reply only with JSON matching the provided schema."
)

// ErrEmptyPlan is returned when the agent produced no steps.
var ErrEmptyPlan = errors.New("plan has no steps")

var stepsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"title"},
			},
		},
	},
	"required": []string{"steps"},
}

// stepsValidator checks replies against stepsSchema.
var stepsValidator = mustCompile("plan-steps.json", stepsSchema)

func mustCompile(name string, schema map[string]any) *jsonschema.Schema {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("load schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// AgentPlanner generates plans with the agent routed for each task.
type AgentPlanner struct {
	router   *agent.Router
	maxSteps int
	logger   *slog.Logger
}

var _ queue.Planner = (*AgentPlanner)(nil)

// New creates an AgentPlanner keeping at most maxSteps steps (12 when <= 0).
func New(router *agent.Router, maxSteps int, logger *slog.Logger) *AgentPlanner {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentPlanner{router: router, maxSteps: maxSteps, logger: logger}
}

// GeneratePlan asks a fresh session for the steps of t.
func (p *AgentPlanner) GeneratePlan(ctx context.Context, t *task.Task) ([]task.PlanStep, error) {
	kind, err := p.router.Resolve(t)
	if err != nil {
		return nil, err
	}
	a, err := p.router.New(kind)
	if err != nil {
		return nil, err
	}
	res, err := a.Send(ctx, agent.Text(t.Prompt), agent.SendOptions{
		Schema: stepsSchema,
		Model:  t.Model,
		System: systemPrompt,
	})
	if err != nil {
		return nil, err
	}
	steps, err := parseSteps(res.Text)
	if err != nil {
		return nil, err
	}
	if len(steps) > p.maxSteps {
		p.logger.Debug("truncating plan", "task_id", t.ID, "steps", len(steps), "max", p.maxSteps)
		steps = steps[:p.maxSteps]
	}
	return steps, nil
}

// parseSteps repairs the usual LLM damage (prose around the JSON, code
// fences, trailing commas, single quotes) and validates the result against
// stepsSchema before decoding it.
func parseSteps(raw string) ([]task.PlanStep, error) {
	fixed, err := jsonrepair.JSONRepair(extractObject(raw))
	if err != nil {
		return nil, fmt.Errorf("repair plan: %w", err)
	}
	var doc any
	if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := stepsValidator.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	var out struct {
		Steps []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	var steps []task.PlanStep
	for _, s := range out.Steps {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			continue
		}
		steps = append(steps, task.PlanStep{
			Order:       len(steps) + 1,
			Title:       title,
			Description: strings.TrimSpace(s.Description),
		})
	}
	if len(steps) == 0 {
		return nil, ErrEmptyPlan
	}
	return steps, nil
}

// extractObject cuts raw down to its outermost {...} span, dropping prose
// and fences around it. Text without braces is returned trimmed.
func extractObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return strings.TrimSpace(raw)
	}
	return raw[start : end+1]
}
