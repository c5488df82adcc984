// Package prism is the commit boundary (§4.7): the only path that mutates
// canon. Every operation follows the fixed pipeline validate -> authorize
// -> open transaction -> mutate via repositories -> write audit -> commit
// | rollback -> return result, grounded on the teacher's SafeExecutor
// (core/pkg/executor/executor.go): numbered gating steps, fail-closed on
// any unmet precondition, exactly one audit record per attempt regardless
// of outcome.
package prism

import (
	"context"
	"fmt"
	"time"

	"github.com/vellum-systems/substrate/pkg/audit"
	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/store"
)

// Config toggles Prism's pipeline behavior (§4.7 "Configuration").
type Config struct {
	AuditEnabled           bool
	TransactionsEnabled    bool
	DefaultActionTimeoutMs int64
}

func DefaultConfig() Config {
	return Config{AuditEnabled: true, TransactionsEnabled: true, DefaultActionTimeoutMs: 30000}
}

// PolicyCacheInvalidator is implemented by pkg/policy.Engine; Prism calls
// Invalidate after every successful policy update so stale compiled
// programs are never reused (§4.5 "Cache entries are invalidated on
// policy update").
type PolicyCacheInvalidator interface {
	Invalidate(policyID string)
}

// Engine is the single writer to canon.
type Engine struct {
	repo          store.Repository
	audit         *audit.Chain
	config        Config
	invalidator   PolicyCacheInvalidator
	observability *observability.Provider
}

// NewEngine builds a Prism Engine. auditChain may be a *audit.Chain backed
// by audit.NewMemorySink/audit.NewWriterSink, or audit.NewChain(nil) to get
// correctly hash-chained no-op entries. invalidator may be nil (no policy
// cache to invalidate, e.g. in tests that don't exercise C5).
func NewEngine(repo store.Repository, auditChain *audit.Chain, invalidator PolicyCacheInvalidator, cfg Config, obs *observability.Provider) *Engine {
	return &Engine{
		repo:          repo,
		audit:         auditChain,
		config:        cfg,
		invalidator:   invalidator,
		observability: obs,
	}
}

// envelope is every Prism call's common argument set (§4.7 "Operation
// envelope").
type envelope struct {
	actor        model.Actor
	caused       *model.CausedBy
	operationType string
	resourceType  string
}

// run executes the fixed pipeline for one operation. authorize and mutate
// both receive the repo to use for this attempt (the transactional repo
// when TransactionsEnabled, e.repo directly otherwise). mutate's returned
// resourceID is recorded on the audit entry.
func (e *Engine) run(ctx context.Context, env envelope, authorize func(ctx context.Context, repo store.Repository) error, mutate func(ctx context.Context, repo store.Repository) (resourceID string, result any, err error)) (any, error) {
	ctx, end := e.startSpan(ctx, env.operationType)
	var err error
	defer func() { end(&err) }()

	var (
		resourceID  string
		result      any
		auditedInTx bool
	)

	attempt := func(ctx context.Context, repo store.Repository) error {
		if authErr := authorize(ctx, repo); authErr != nil {
			return authErr
		}
		rid, res, mutErr := mutate(ctx, repo)
		resourceID = rid
		result = res
		if mutErr != nil {
			return mutErr
		}
		// Write audit as the last pipeline step before the transaction's
		// commit decision (§4.7: "mutate ... -> write audit -> commit |
		// rollback"), so a failure here rolls the mutation back with it
		// instead of leaving canon mutated with no audit record.
		if auditErr := e.appendAudit(ctx, repo, env, resourceID, nil); auditErr != nil {
			return auditErr
		}
		auditedInTx = true
		return nil
	}

	if e.config.TransactionsEnabled {
		err = e.repo.Transaction(ctx, func(ctx context.Context, repo store.Repository) error {
			return attempt(ctx, repo)
		})
	} else {
		err = attempt(ctx, e.repo)
	}

	if err != nil && !auditedInTx && e.config.AuditEnabled && e.audit != nil {
		// The transaction (if any) already rolled back; there is no
		// mutation left to be atomic with, so this failure entry goes
		// through the chain's own sink. A sink failure here is logged,
		// not propagated: the caller's real error is the one that failed
		// authorize/mutate, not the audit write.
		if _, auditErr := e.audit.Append(ctx, e.buildEntry(env, resourceID, err)); auditErr != nil && e.observability != nil {
			e.observability.Logger().Error("prism: audit append failed", "error", auditErr, "operationType", env.operationType)
		}
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// appendAudit builds and writes one AuditEntry for a successful attempt,
// through repo when repo implements auditRepository (sqlstore's Store),
// so the write commits or rolls back with the mutation it accompanies
// inside the same backend transaction. Backends without PutAuditEntry
// (e.g. memstore) fall back to the chain's own configured Sink.
func (e *Engine) appendAudit(ctx context.Context, repo store.Repository, env envelope, resourceID string, opErr error) error {
	if !e.config.AuditEnabled || e.audit == nil {
		return nil
	}
	entry := e.buildEntry(env, resourceID, opErr)

	if ar, ok := repo.(auditRepository); ok {
		_, err := e.audit.AppendTx(ctx, entry, audit.RepositorySink{Repo: ar})
		return err
	}
	_, err := e.audit.Append(ctx, entry)
	return err
}

// auditRepository is satisfied by a store.Repository whose concrete
// backend can persist an audit entry through the same handle (and, for
// sqlstore, the same *sql.Tx) as the mutation it accompanies.
type auditRepository interface {
	PutAuditEntry(ctx context.Context, entry model.AuditEntry) error
}

func (e *Engine) buildEntry(env envelope, resourceID string, opErr error) model.AuditEntry {
	entry := model.AuditEntry{
		Timestamp:     time.Now().UTC(),
		NodeID:        env.actor.NodeID,
		Actor:         env.actor,
		OperationType: env.operationType,
		ResourceType:  env.resourceType,
		ResourceID:    resourceID,
		CausedBy:      env.caused,
		Success:       opErr == nil,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	return entry
}

func (e *Engine) startSpan(ctx context.Context, op string) (context.Context, func(*error)) {
	if e.observability == nil {
		return ctx, func(*error) {}
	}
	return e.observability.StartSpan(ctx, "prism", op)
}

// authorizeActor implements §4.7's authorization rules. targetNodeID is the
// node whose authority the operation needs; requiredScope is the grant
// scope a manual/api actor must hold when they are not the target node's
// owner.
func (e *Engine) authorizeActor(ctx context.Context, repo store.Repository, actor model.Actor, caused *model.CausedBy, targetNodeID, requiredScope string) error {
	now := time.Now().UTC()

	switch actor.Method {
	case model.MethodSystem:
		// system actors bootstrap/maintain canon directly (migrations,
		// bundle import); not subject to grant checks.
	case model.MethodManual, model.MethodAPI:
		if actor.NodeID != targetNodeID {
			grants, err := repo.ListGrants(ctx, actor.NodeID)
			if err != nil {
				return &errs.Backend{Op: "list_grants", Cause: err}
			}
			if !hasActiveGrant(grants, now, targetNodeID, requiredScope) {
				return &errs.Authorization{Reason: fmt.Sprintf("actor %s does not own node %s and holds no active %q grant", actor.NodeID, targetNodeID, requiredScope)}
			}
		}
	case model.MethodPolicyEffect:
		if caused == nil || caused.PolicyID == "" {
			return &errs.Authorization{Reason: "policy_effect actor requires causedBy.policyId"}
		}
		policy, err := repo.GetPolicy(ctx, caused.PolicyID)
		if err != nil {
			return &errs.NotFound{ResourceType: "policy", ResourceID: caused.PolicyID}
		}
		if policy.NodeID != actor.NodeID {
			return &errs.Authorization{Reason: fmt.Sprintf("policy %s does not belong to acting node %s", caused.PolicyID, actor.NodeID)}
		}
	case model.MethodActionExecution:
		if caused == nil || caused.ActionRunID == "" {
			return &errs.Authorization{Reason: "action_execution actor requires causedBy.actionRunId"}
		}
		run, err := repo.GetActionRun(ctx, caused.ActionRunID)
		if err != nil {
			return &errs.NotFound{ResourceType: "actionRun", ResourceID: caused.ActionRunID}
		}
		if run.Status != model.ActionApproved {
			return &errs.Authorization{Reason: fmt.Sprintf("action run %s is not approved (status %s)", run.ID, run.Status)}
		}
	default:
		return &errs.Authorization{Reason: fmt.Sprintf("unrecognized actor method %q", actor.Method)}
	}

	// An agent-kind actor is additionally bound by its sponsor's
	// delegation, per §4.7's agent delegation rule, cross-cutting with
	// whichever method above granted base authority.
	if actor.Kind == model.NodeAgent {
		if err := e.checkDelegation(ctx, repo, actor, now); err != nil {
			return err
		}
	}

	return nil
}

func hasActiveGrant(grants []model.Grant, now time.Time, targetNodeID, scope string) bool {
	for _, g := range grants {
		if g.Active(now) && g.CoversResource("node", targetNodeID) && (scope == "" || g.HasScope(scope)) {
			return true
		}
	}
	return false
}

func (e *Engine) checkDelegation(ctx context.Context, repo store.Repository, actor model.Actor, now time.Time) error {
	delegations, err := repo.ListDelegationsForAgent(ctx, actor.NodeID)
	if err != nil {
		return &errs.Backend{Op: "list_delegations", Cause: err}
	}
	for _, d := range delegations {
		if actor.SponsorID != "" && d.SponsorID != actor.SponsorID {
			continue
		}
		if d.Active(now) {
			return nil
		}
	}
	return &errs.Authorization{Reason: fmt.Sprintf("agent %s has no active delegation", actor.NodeID)}
}

// allowedUnderDelegation reports whether riskLevel/effectType are permitted
// for an agent actor's active delegation, used by ProposeAction when the
// proposing actor is an agent (§4.7's maxRiskLevel/allowedEffects).
func (e *Engine) allowedUnderDelegation(ctx context.Context, repo store.Repository, actor model.Actor, effectType string, risk model.RiskLevel) (bool, error) {
	if actor.Kind != model.NodeAgent {
		return true, nil
	}
	now := time.Now().UTC()
	delegations, err := repo.ListDelegationsForAgent(ctx, actor.NodeID)
	if err != nil {
		return false, &errs.Backend{Op: "list_delegations", Cause: err}
	}
	for _, d := range delegations {
		if !d.Active(now) {
			continue
		}
		if d.Constraints.MaxRiskLevel != "" && riskRank(risk) > riskRank(d.Constraints.MaxRiskLevel) {
			continue
		}
		if len(d.Constraints.AllowedEffects) > 0 && !contains(d.Constraints.AllowedEffects, effectType) {
			continue
		}
		return true, nil
	}
	return false, nil
}

var riskOrder = map[model.RiskLevel]int{
	model.RiskLow:      0,
	model.RiskMedium:   1,
	model.RiskHigh:     2,
	model.RiskCritical: 3,
}

func riskRank(r model.RiskLevel) int {
	if rank, ok := riskOrder[r]; ok {
		return rank
	}
	return riskOrder[model.RiskCritical]
}

func contains(items []string, target string) bool {
	for _, i := range items {
		if i == target {
			return true
		}
	}
	return false
}
