// Package celrt is the CEL-based policy runtime (§4.5's sandboxed
// implementation), grounded on the teacher's governance.CELPolicyEvaluator
// (pkg/governance/policy_evaluator_cel.go): one shared *cel.Env, one
// compiled cel.Program per policy, a cost limit and interrupt-check
// frequency bounding the work a single evaluation can do. CEL has no I/O,
// no mutation, and no module system, which is what lets this runtime
// satisfy the purity contract structurally instead of by policy review.
package celrt

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/polctx"
)

// Runtime implements policy.Runtime using CEL.
type Runtime struct {
	env           *cel.Env
	costLimit     uint64
	interruptFreq uint
}

// Config bounds the work one policy evaluation may perform.
type Config struct {
	CostLimit              uint64
	InterruptCheckFrequency uint
}

// DefaultConfig mirrors the teacher's hardcoded CEL cost bound.
func DefaultConfig() Config {
	return Config{CostLimit: 10000, InterruptCheckFrequency: 100}
}

// New builds the shared CEL environment the PolicyContext is projected
// into. The "ctx" variable carries the frozen context as a dynamic map;
// "priorEffects" is exposed separately for convenience since it is the
// field most policies branch on.
func New(cfg Config) (*Runtime, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
		cel.Variable("observation", cel.DynType),
		cel.Variable("node", cel.DynType),
		cel.Variable("priorEffects", cel.DynType),
		cel.Variable("evaluatedAt", cel.IntType),
		cel.Variable("policyId", cel.StringType),
		cel.Variable("priority", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("celrt: new env: %w", err)
	}
	if cfg.CostLimit == 0 {
		cfg = DefaultConfig()
	}
	return &Runtime{env: env, costLimit: cfg.CostLimit, interruptFreq: cfg.InterruptCheckFrequency}, nil
}

// Compile parses and type-checks a CEL expression and builds an evaluable
// Program bounded by the runtime's cost limit.
func (r *Runtime) Compile(code string) (any, error) {
	ast, issues := r.env.Compile(code)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celrt: compile: %w", issues.Err())
	}
	prg, err := r.env.Program(ast,
		cel.InterruptCheckFrequency(r.interruptFreq),
		cel.CostLimit(r.costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("celrt: program: %w", err)
	}
	return prg, nil
}

// Eval runs the compiled program against pctx and decodes the result into
// a list of Effect records. A policy may return a single effect map or a
// list of effect maps.
func (r *Runtime) Eval(evalCtx context.Context, program any, pctx *polctx.Context) ([]model.Effect, error) {
	prg, ok := program.(cel.Program)
	if !ok {
		return nil, fmt.Errorf("celrt: program has wrong type %T", program)
	}

	activation := map[string]any{
		"ctx":          activationFromContext(pctx),
		"observation":  observationToMap(pctx.Observation),
		"node":         nodeToMap(pctx.Node),
		"priorEffects": effectsToList(pctx.PriorEffects),
		"evaluatedAt":  pctx.EvaluatedAt.Unix(),
		"policyId":     pctx.PolicyID,
		"priority":     int64(pctx.Priority),
	}

	out, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return nil, fmt.Errorf("celrt: eval: %w", err)
	}
	return decodeEffects(out)
}

func activationFromContext(pctx *polctx.Context) map[string]any {
	return map[string]any{
		"observation":  observationToMap(pctx.Observation),
		"node":         nodeToMap(pctx.Node),
		"priorEffects": effectsToList(pctx.PriorEffects),
		"policyId":     pctx.PolicyID,
		"priority":     int64(pctx.Priority),
	}
}

func observationToMap(o model.Observation) map[string]any {
	return map[string]any{
		"id":        o.ID,
		"nodeId":    o.NodeID,
		"type":      o.Type,
		"timestamp": o.Timestamp.Unix(),
		"payload":   o.Payload,
		"tags":      toAnySlice(o.Tags),
	}
}

func nodeToMap(n polctx.NodeView) map[string]any {
	edges := make([]any, len(n.Edges))
	for i, e := range n.Edges {
		edges[i] = map[string]any{"id": e.ID, "fromId": e.FromID, "toId": e.ToID, "kind": string(e.Kind)}
	}
	grants := make([]any, len(n.Grants))
	for i, g := range n.Grants {
		grants[i] = map[string]any{"id": g.ID, "resourceType": g.ResourceType, "resourceId": g.ResourceID, "scopes": toAnySlice(g.Scopes)}
	}
	return map[string]any{
		"id":     n.ID,
		"kind":   string(n.Kind),
		"edges":  edges,
		"grants": grants,
	}
}

func effectsToList(effects []model.Effect) []any {
	out := make([]any, len(effects))
	for i, e := range effects {
		fields := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			fields[k] = v
		}
		out[i] = map[string]any{"effect": e.Effect, "fields": fields}
	}
	return out
}

func toAnySlice(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}

var (
	nativeMapType   = reflect.TypeOf(map[string]any{})
	nativeSliceType = reflect.TypeOf([]any{})
)

// decodeEffects accepts either a single effect map or a list of effect
// maps from the CEL result, per §4.5 ("return a finite list of effects").
func decodeEffects(out ref.Val) ([]model.Effect, error) {
	switch out.Type() {
	case types.ListType:
		lister, ok := out.(traits.Lister)
		if !ok {
			return nil, fmt.Errorf("celrt: result type reports list but does not implement Lister")
		}
		native, err := lister.ConvertToNative(nativeSliceType)
		if err != nil {
			return nil, fmt.Errorf("celrt: convert result list: %w", err)
		}
		items, ok := native.([]any)
		if !ok {
			return nil, fmt.Errorf("celrt: converted result has unexpected type %T", native)
		}
		return decodeEffectList(items)
	case types.MapType:
		native, err := out.ConvertToNative(nativeMapType)
		if err != nil {
			return nil, fmt.Errorf("celrt: convert result map: %w", err)
		}
		m, ok := native.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("celrt: converted result has unexpected type %T", native)
		}
		eff, err := decodeEffect(m)
		if err != nil {
			return nil, err
		}
		return []model.Effect{eff}, nil
	default:
		return nil, fmt.Errorf("celrt: policy result must be an effect or list of effects, got CEL type %s", out.Type().TypeName())
	}
}

func decodeEffectList(items []any) ([]model.Effect, error) {
	out := make([]model.Effect, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("celrt: effect list item must be a map, got %T", item)
		}
		eff, err := decodeEffect(m)
		if err != nil {
			return nil, err
		}
		out = append(out, eff)
	}
	return out, nil
}

func decodeEffect(m map[string]any) (model.Effect, error) {
	tag, ok := m["effect"].(string)
	if !ok || tag == "" {
		return model.Effect{}, fmt.Errorf("celrt: effect map missing string \"effect\" field")
	}
	fields, _ := m["fields"].(map[string]any)
	return model.Effect{Effect: tag, Fields: fields}, nil
}
