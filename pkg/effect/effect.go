// Package effect is the effect executor (§4.6): a dispatch loop over one
// policy evaluation's effect list, a registry of built-in handlers for the
// closed effect taxonomy, and a PackRegistry (this file) for the open
// "pack:<name>:<action>" namespace. Grounded on the teacher's pkg/pack
// registry pattern (core/pkg/registry/pack_registry.go), reduced to the
// registration surface this spec needs: handler resolution by pack name
// over semver-versioned registrations (the highest version wins), no
// marketplace/signing/WASM machinery.
//
// Mutation-bearing handlers (route_observation, create_entity_event,
// propose_action) never write to the repository directly; they issue a
// Prism operation through the Committer interface. tag_observation is the
// one exception (§4.6): it goes through a dedicated idempotent path against
// the observation repository directly.
package effect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/store"
)

// Call carries the context every handler needs about the cycle that
// produced the effect it is executing.
type Call struct {
	Observation model.Observation
	PolicyID    string
	EvaluatedAt time.Time
}

// Handler executes one effect and returns whatever data the dispatch
// result should carry.
type Handler interface {
	Handle(ctx context.Context, eff model.Effect, call Call) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, eff model.Effect, call Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, eff model.Effect, call Call) (any, error) {
	return f(ctx, eff, call)
}

// Committer is the Prism surface the built-in mutation handlers issue
// operations against. pkg/prism.Engine implements this.
type Committer interface {
	RouteObservation(ctx context.Context, caused model.CausedBy, sourceNodeID, toNodeID string, obs model.Observation) (*model.Observation, error)
	CreateEntityEvent(ctx context.Context, caused model.CausedBy, entityID string, evt model.EntityEvent) error
	ProposeAction(ctx context.Context, caused model.CausedBy, nodeID string, action any, riskLevel model.RiskLevel) (*model.ActionRun, error)
}

// Config toggles dispatch loop behavior.
type Config struct {
	// ContinueOnError, when true (the default), keeps dispatching the
	// remaining effects after one handler fails.
	ContinueOnError bool
}

func DefaultConfig() Config {
	return Config{ContinueOnError: true}
}

// Dispatcher runs the §4.6 dispatch loop.
type Dispatcher struct {
	builtins      map[string]Handler
	packs         *PackRegistry
	config        Config
	observability *observability.Provider
}

// New builds a Dispatcher with every built-in handler pre-registered.
// obsRepo backs the tag_observation idempotent path; committer backs the
// three mutation-bearing effects; packs may be nil, in which case
// pack:<name>:<action> effects always fail with errs.UnknownEffect.
func New(committer Committer, obsRepo store.ObservationRepository, packs *PackRegistry, cfg Config, obs *observability.Provider) *Dispatcher {
	if packs == nil {
		packs = NewPackRegistry()
	}
	d := &Dispatcher{
		builtins:      make(map[string]Handler),
		packs:         packs,
		config:        cfg,
		observability: obs,
	}
	d.builtins[model.EffectRouteObservation] = routeObservationHandler{committer: committer}
	d.builtins[model.EffectCreateEntityEvent] = createEntityEventHandler{committer: committer}
	d.builtins[model.EffectProposeAction] = proposeActionHandler{committer: committer}
	d.builtins[model.EffectTagObservation] = tagObservationHandler{repo: obsRepo}
	d.builtins[model.EffectSuppress] = suppressHandler{}
	d.builtins[model.EffectLog] = logHandler{observability: obs}
	return d
}

// Dispatch executes effects in order, per §4.6's dispatch loop.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []model.Effect, call Call) model.DispatchSummary {
	summary := model.DispatchSummary{}

	for _, eff := range effects {
		start := time.Now()
		handler, known := d.resolve(eff.Effect)

		result := model.DispatchResult{Effect: eff}
		if !known {
			result.Error = (&errs.UnknownEffect{Effect: eff.Effect}).Error()
			result.Success = false
		} else {
			data, err := handler.Handle(ctx, eff, call)
			result.DurationMs = time.Since(start).Milliseconds()
			if err != nil {
				result.Error = (&errs.EffectExecution{Effect: eff.Effect, Cause: err}).Error()
				result.Success = false
			} else {
				result.Success = true
				result.Data = data
			}
		}
		result.DurationMs = time.Since(start).Milliseconds()

		if eff.Effect == model.EffectSuppress {
			summary.Suppressed = true
			summary.SuppressReason = eff.StringField("reason")
		}

		summary.Results = append(summary.Results, result)
		summary.TotalDurationMs += result.DurationMs
		if result.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
			if !d.config.ContinueOnError {
				break
			}
		}
	}

	return summary
}

func (d *Dispatcher) resolve(tag string) (Handler, bool) {
	if model.IsPackEffect(tag) {
		return d.packs.Resolve(tag)
	}
	h, ok := d.builtins[tag]
	return h, ok
}

type routeObservationHandler struct{ committer Committer }

func (h routeObservationHandler) Handle(ctx context.Context, eff model.Effect, call Call) (any, error) {
	toNodeID := eff.StringField("toNodeId")
	if toNodeID == "" {
		return nil, fmt.Errorf("route_observation: missing toNodeId")
	}
	caused := model.CausedBy{ObservationID: call.Observation.ID, PolicyID: call.PolicyID, EffectType: eff.Effect}
	routed := call.Observation.WithTags(append([]string(nil), "routed_from:"+call.Observation.NodeID))
	routed.Provenance.Method = "routed"
	return h.committer.RouteObservation(ctx, caused, call.Observation.NodeID, toNodeID, routed)
}

type createEntityEventHandler struct{ committer Committer }

func (h createEntityEventHandler) Handle(ctx context.Context, eff model.Effect, call Call) (any, error) {
	entityID := eff.StringField("entityId")
	if entityID == "" {
		return nil, fmt.Errorf("create_entity_event: missing entityId")
	}
	event, _ := eff.Field("event")
	evt := model.EntityEvent{
		EntityID:    entityID,
		Type:        call.Observation.Type,
		Data:        event,
		Timestamp:   call.EvaluatedAt,
		ActorNodeID: call.Observation.NodeID,
	}
	caused := model.CausedBy{ObservationID: call.Observation.ID, PolicyID: call.PolicyID, EffectType: eff.Effect}
	if err := h.committer.CreateEntityEvent(ctx, caused, entityID, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

type proposeActionHandler struct{ committer Committer }

func (h proposeActionHandler) Handle(ctx context.Context, eff model.Effect, call Call) (any, error) {
	action, ok := eff.Field("action")
	if !ok {
		return nil, fmt.Errorf("propose_action: missing action")
	}
	riskLevel := model.RiskMedium
	if m, ok := action.(map[string]any); ok {
		if rl, ok := m["riskLevel"].(string); ok && rl != "" {
			riskLevel = model.RiskLevel(rl)
		}
	}
	caused := model.CausedBy{ObservationID: call.Observation.ID, PolicyID: call.PolicyID, EffectType: eff.Effect}
	return h.committer.ProposeAction(ctx, caused, call.Observation.NodeID, action, riskLevel)
}

type tagObservationHandler struct{ repo store.ObservationRepository }

// Handle enriches the triggering observation with new tags, deduplicated.
// This is the one effect that mutates canon outside Prism (§4.6); it must
// still be idempotent, since the same policy may fire across retried
// cycles with the same inputs.
func (h tagObservationHandler) Handle(ctx context.Context, eff model.Effect, call Call) (any, error) {
	tagsRaw, ok := eff.Field("tags")
	if !ok {
		return nil, fmt.Errorf("tag_observation: missing tags")
	}
	tags, err := toStringSlice(tagsRaw)
	if err != nil {
		return nil, fmt.Errorf("tag_observation: %w", err)
	}

	obs, err := h.repo.GetObservation(ctx, call.Observation.ID)
	if err != nil {
		return nil, err
	}
	tagged := obs.WithTags(tags)
	if err := h.repo.PutObservation(ctx, tagged); err != nil {
		return nil, err
	}
	return tagged.Tags, nil
}

func toStringSlice(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs, nil
		}
		return nil, fmt.Errorf("tags must be a list of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("tags must be a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

type suppressHandler struct{}

// Handle is a sentinel recording-only handler; the policy engine already
// stopped evaluation on encountering suppress (§4.5). The executor's job
// is only to record that it happened.
func (suppressHandler) Handle(_ context.Context, eff model.Effect, _ Call) (any, error) {
	return map[string]any{"reason": eff.StringField("reason")}, nil
}

type logHandler struct{ observability *observability.Provider }

func (h logHandler) Handle(_ context.Context, eff model.Effect, call Call) (any, error) {
	level := eff.StringField("level")
	message := eff.StringField("message")
	if h.observability != nil {
		logger := h.observability.Logger()
		switch level {
		case "warn":
			logger.Warn(message, "observationId", call.Observation.ID, "policyId", call.PolicyID)
		case "debug":
			logger.Debug(message, "observationId", call.Observation.ID, "policyId", call.PolicyID)
		default:
			logger.Info(message, "observationId", call.Observation.ID, "policyId", call.PolicyID)
		}
	}
	return nil, nil
}

// PackHandlerFunc is the function shape a pack registers.
type PackHandlerFunc func(ctx context.Context, eff model.Effect, call Call) (any, error)

type registeredPack struct {
	version *semver.Version
	handler HandlerFunc
}

// PackRegistry resolves "pack:<name>:<action>" effects to the handler of
// the highest registered semver version of that pack. No version
// constraint is read from the effect.
type PackRegistry struct {
	mu       sync.RWMutex
	versions map[string][]registeredPack // pack name -> versions, in registration order
}

func NewPackRegistry() *PackRegistry {
	return &PackRegistry{versions: make(map[string][]registeredPack)}
}

// Register adds a handler for packName at version (a semver string, e.g.
// "1.2.0"). Packs may register multiple versions; Resolve picks among them.
func (r *PackRegistry) Register(packName, version string, handler PackHandlerFunc) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("effect: invalid pack version %q: %w", version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[packName] = append(r.versions[packName], registeredPack{version: v, handler: HandlerFunc(handler)})
	return nil
}

// Resolve looks up the handler for a "pack:<name>:<action>" tag. The
// action segment is not itself dispatched on; packs receive the full
// effect and branch on the action internally, mirroring how the teacher's
// capability-indexed registry resolves one handler per pack rather than
// per action.
func (r *PackRegistry) Resolve(tag string) (Handler, bool) {
	name, _, ok := splitPackTag(tag)
	if !ok {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.versions[name]
	if len(entries) == 0 {
		return nil, false
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if e.version.GreaterThan(best.version) {
			best = e
		}
	}
	return best.handler, true
}

// splitPackTag parses "pack:<name>:<action>" into name and action.
func splitPackTag(tag string) (name, action string, ok bool) {
	const prefix = model.PackEffectPrefix
	if len(tag) <= len(prefix) {
		return "", "", false
	}
	rest := tag[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
