// Package policy implements the policy engine (§4.5): trigger
// matching/selection, the sequential priorEffects evaluation loop, the
// per-policy timeout, and the compiled-policy cache. The actual
// evaluation of one policy's implementation is delegated to a Runtime,
// of which this module ships two: pkg/policy/celrt (CEL, the default)
// and pkg/policy/wasmrt (WASI/wazero, selected when a policy's code
// carries the WASM magic header). Both runtimes satisfy the purity
// contract structurally rather than by convention.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/polctx"
)

// wasmMagic is the four-byte header every WASM binary module starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Runtime compiles and evaluates one Policy's implementation against a
// frozen Context, returning the effects it produced.
type Runtime interface {
	// Compile prepares code for repeated evaluation. The returned program
	// is cached by the Engine and passed back into Eval.
	Compile(code string) (any, error)
	// Eval runs a compiled program against ctx and returns the raw effect
	// records it produced.
	Eval(evalCtx context.Context, program any, pctx *polctx.Context) ([]model.Effect, error)
}

// cacheKey identifies one compiled policy artifact, invalidated whenever
// a policy's UpdatedAt changes (§4.5 "Compilation cache").
type cacheKey struct {
	policyID  string
	updatedAt time.Time
}

type cacheEntry struct {
	program any
	runtime Runtime
}

// Engine evaluates the policies triggered by one observation, maintaining
// a process-wide compiled-program cache across calls.
type Engine struct {
	cel           Runtime
	wasm          Runtime
	defaultTimeout time.Duration

	cacheMu sync.RWMutex
	cache   map[cacheKey]cacheEntry

	observability *observability.Provider
}

// NewEngine creates an Engine. timeout is the per-policy evaluation
// budget (default 500ms per §4.5 when zero is passed).
func NewEngine(cel, wasm Runtime, timeout time.Duration, obs *observability.Provider) *Engine {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Engine{
		cel:            cel,
		wasm:           wasm,
		defaultTimeout: timeout,
		cache:          make(map[cacheKey]cacheEntry),
		observability:  obs,
	}
}

// PolicyFailure records a single policy's evaluation failure; the engine
// continues with the remaining policies regardless (§4.5 purity
// contract: "A non-conforming policy is reported as a policy-level
// failure; evaluation of the remaining policies continues.").
type PolicyFailure struct {
	PolicyID string
	Error    string
}

// Result is the outcome of evaluating every policy triggered by one
// observation.
type Result struct {
	Effects        []model.Effect
	Suppressed     bool
	SuppressReason string
	Failures       []PolicyFailure
}

// Evaluate selects the policies on prefetch's node whose triggers match
// obs.Type, orders them by ascending priority (ties by policy id), and
// runs the §4.5 evaluation loop, threading priorEffects sequentially.
func (e *Engine) Evaluate(ctx context.Context, policies []model.Policy, prefetch *polctx.Prefetch, obs model.Observation) Result {
	if e.observability != nil {
		var (
			end     func(*error)
			spanErr error
		)
		ctx, end = e.observability.StartSpan(ctx, "policy", "evaluate")
		defer end(&spanErr)
	}

	selected := selectTriggered(policies, obs.Type)

	var (
		priorEffects []model.Effect
		failures     []PolicyFailure
	)
	result := Result{}

	for _, p := range selected {
		pctx := prefetch.Build(obs, p.ID, p.Priority, priorEffects, time.Now().UTC())

		effects, err := e.evaluateOne(ctx, p, pctx)
		if err != nil {
			failures = append(failures, PolicyFailure{PolicyID: p.ID, Error: err.Error()})
			continue
		}

		for _, eff := range effects {
			if !model.ValidEffectTag(eff.Effect) {
				failures = append(failures, PolicyFailure{PolicyID: p.ID, Error: fmt.Sprintf("invalid effect tag %q", eff.Effect)})
				continue
			}
			if eff.Effect == model.EffectSuppress {
				result.Suppressed = true
				result.SuppressReason = eff.StringField("reason")
				result.Effects = append(priorEffects, eff)
				result.Failures = failures
				return result
			}
			priorEffects = append(priorEffects, eff)
		}
	}

	result.Effects = priorEffects
	result.Failures = failures
	return result
}

func selectTriggered(policies []model.Policy, observationType string) []model.Policy {
	var out []model.Policy
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if model.AnyTriggerMatches(p.Triggers, observationType) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) evaluateOne(ctx context.Context, p model.Policy, pctx *polctx.Context) ([]model.Effect, error) {
	rt := e.runtimeFor(p)

	program, err := e.compiled(p, rt)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	var (
		effects []model.Effect
		evalErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		effects, evalErr = rt.Eval(evalCtx, program, pctx)
	}()

	select {
	case <-done:
		if evalErr != nil {
			return nil, evalErr
		}
		return effects, nil
	case <-evalCtx.Done():
		return nil, fmt.Errorf("policy %s timed out after %s", p.ID, e.defaultTimeout)
	}
}

func (e *Engine) runtimeFor(p model.Policy) Runtime {
	if bytes.HasPrefix([]byte(p.Implementation.Code), wasmMagic) {
		return e.wasm
	}
	return e.cel
}

func (e *Engine) compiled(p model.Policy, rt Runtime) (any, error) {
	key := cacheKey{policyID: p.ID, updatedAt: p.UpdatedAt}

	e.cacheMu.RLock()
	entry, ok := e.cache[key]
	e.cacheMu.RUnlock()
	if ok {
		return entry.program, nil
	}

	program, err := rt.Compile(p.Implementation.Code)
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[key] = cacheEntry{program: program, runtime: rt}
	e.cacheMu.Unlock()
	return program, nil
}

// Invalidate drops any cached program for policyID, regardless of
// updatedAt. Prism calls this on every policy update (§4.5 "Cache entries
// are invalidated on policy update").
func (e *Engine) Invalidate(policyID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for k := range e.cache {
		if k.policyID == policyID {
			delete(e.cache, k)
		}
	}
}
