// Package wasmrt is the WASI/wazero-based policy runtime, selected when a
// Policy's implementation code carries the WASM magic header instead of a
// CEL expression. Grounded on the teacher's
// pkg/runtime/sandbox/wasi_sandbox.go: deny-by-default (no filesystem, no
// network, no environment variables), memory capped in wazero pages,
// CPU time bounded by the caller's context deadline. The module receives
// the serialized PolicyContext on stdin and is expected to write a JSON
// effect list (or single effect object) to stdout.
package wasmrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/polctx"
)

// Config bounds memory and start-function behavior for every module this
// runtime compiles.
type Config struct {
	MemoryLimitBytes uint64
}

// DefaultConfig caps modules at 32 wazero pages (2MiB), matching the
// §4.5 "implementation-defined" memory bound's order of magnitude for the
// CEL runtime's cost limit.
func DefaultConfig() Config {
	return Config{MemoryLimitBytes: 32 * 64 * 1024}
}

// Runtime implements policy.Runtime using wazero.
type Runtime struct {
	runtime wazero.Runtime
	config  wazero.ModuleConfig
}

// New creates a Runtime with a fresh wazero instance and WASI wired with
// nothing beyond stdin/stdout/stderr.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("wasmrt: instantiate wasi: %w", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("substrate-policy").
		WithStartFunctions("_start")
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no
	// WithRandSource, no WithEnv.

	return &Runtime{runtime: r, config: modCfg}, nil
}

// compiledProgram holds the compiled module, since wazero compilation is
// itself the expensive step this runtime's cache entry exists to
// amortize.
type compiledProgram struct {
	module wazero.CompiledModule
}

// Compile compiles code (expected to be raw WASM bytecode) ahead of
// execution.
func (r *Runtime) Compile(code string) (any, error) {
	compiled, err := r.runtime.CompileModule(context.Background(), []byte(code))
	if err != nil {
		return nil, fmt.Errorf("wasmrt: compile module: %w", err)
	}
	return &compiledProgram{module: compiled}, nil
}

// Eval instantiates the compiled module with the serialized PolicyContext
// on stdin and decodes its stdout as a JSON effect or effect list.
func (r *Runtime) Eval(evalCtx context.Context, program any, pctx *polctx.Context) ([]model.Effect, error) {
	cp, ok := program.(*compiledProgram)
	if !ok {
		return nil, fmt.Errorf("wasmrt: program has wrong type %T", program)
	}

	input, err := json.Marshal(evalInput{
		Observation:  pctx.Observation,
		Node:         pctx.Node,
		PriorEffects: pctx.PriorEffects,
		EvaluatedAt:  pctx.EvaluatedAt,
		PolicyID:     pctx.PolicyID,
		Priority:     pctx.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("wasmrt: marshal input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := r.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(evalCtx, cp.module, modCfg)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("wasmrt: execution timed out: %w", evalCtx.Err())
		}
		return nil, fmt.Errorf("wasmrt: instantiate: %w", err)
	}
	defer func() { _ = mod.Close(evalCtx) }()

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("wasmrt: policy wrote to stderr: %s", stderr.String())
	}

	return decodeEffects(stdout.Bytes())
}

// Close releases the wazero runtime.
func (r *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.runtime.Close(ctx)
}

type evalInput struct {
	Observation  any       `json:"observation"`
	Node         any       `json:"node"`
	PriorEffects any       `json:"priorEffects"`
	EvaluatedAt  time.Time `json:"evaluatedAt"`
	PolicyID     string    `json:"policyId"`
	Priority     int       `json:"priority"`
}

func decodeEffects(raw []byte) ([]model.Effect, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	if raw[0] == '[' {
		var effects []model.Effect
		if err := json.Unmarshal(raw, &effects); err != nil {
			return nil, fmt.Errorf("wasmrt: decode effect list: %w", err)
		}
		return effects, nil
	}

	var effect model.Effect
	if err := json.Unmarshal(raw, &effect); err != nil {
		return nil, fmt.Errorf("wasmrt: decode effect: %w", err)
	}
	return []model.Effect{effect}, nil
}
