package rego

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	oparego "github.com/open-policy-agent/opa/rego"

	"github.com/ogulcanaydogan/bazel-compose/internal/reconcile"
)

const Query = "data.bazelcompose.redeploy.result"

var ErrDenied = errors.New("policy violations")

type Result struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations"`
}

// Engine is a redeploy gate backed by a rego module. The query is prepared
// once; Check may be called for every cycle.
type Engine struct {
	path  string
	query oparego.PreparedEvalQuery
}

func Load(ctx context.Context, policyPath string) (*Engine, error) {
	raw, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("read rego policy: %w", err)
	}
	query, err := oparego.New(
		oparego.Query(Query),
		oparego.Module(filepath.Base(policyPath), string(raw)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego query: %w", err)
	}
	return &Engine{path: policyPath, query: query}, nil
}

func (e *Engine) Path() string { return e.path }

// Evaluate runs the policy against plan.
func (e *Engine) Evaluate(ctx context.Context, plan reconcile.Plan) (Result, error) {
	rs, err := e.query.Eval(ctx, oparego.EvalInput(buildInput(plan)))
	if err != nil {
		return Result{}, fmt.Errorf("eval rego policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{}, fmt.Errorf("rego policy returned no result")
	}
	return decodeResult(rs[0].Expressions[0].Value)
}

// Check implements reconcile.Gate.
func (e *Engine) Check(ctx context.Context, plan reconcile.Plan) error {
	res, err := e.Evaluate(ctx, plan)
	if err != nil {
		return err
	}
	if res.Allow {
		return nil
	}
	if len(res.Violations) == 0 {
		return fmt.Errorf("%w: redeploy not allowed", ErrDenied)
	}
	return fmt.Errorf("%w: %s", ErrDenied, strings.Join(res.Violations, "; "))
}

// buildInput converts plan to plain maps so rego sees the json field names.
func buildInput(plan reconcile.Plan) map[string]any {
	changes := make([]any, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		changes = append(changes, map[string]any{
			"service": c.Service,
			"target":  c.Target.String(),
			"image":   c.Image,
		})
	}
	return map[string]any{
		"cycle_id": plan.CycleID,
		"changes":  changes,
	}
}

func decodeResult(v any) (Result, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Result{}, fmt.Errorf("rego result must be object")
	}
	allow, _ := obj["allow"].(bool)
	violations := decodeViolations(obj["violations"])
	sort.Strings(violations)
	return Result{Allow: allow, Violations: violations}, nil
}

// decodeViolations accepts an array of messages or an object keyed by message.
func decodeViolations(v any) []string {
	out := []string{}
	switch raw := v.(type) {
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case map[string]any:
		for key := range raw {
			if key != "" {
				out = append(out, key)
			}
		}
	}
	return out
}
