package prism

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

// actorForNode builds a synthetic Actor for operations issued internally by
// the effect executor (§4.6 "mutation-bearing handlers issue a Prism
// operation"), looking up the node's Kind so agent delegation checks still
// apply when the acting node happens to be an agent.
func actorForNode(ctx context.Context, repo store.Repository, nodeID string, method model.ActorMethod) (model.Actor, error) {
	node, err := repo.GetNode(ctx, nodeID)
	if err != nil {
		return model.Actor{}, &errs.NotFound{ResourceType: "node", ResourceID: nodeID}
	}
	return model.Actor{NodeID: nodeID, Kind: node.Kind, Method: method}, nil
}

// --- Artifact ---

func (e *Engine) CreateArtifact(ctx context.Context, actor model.Actor, caused *model.CausedBy, a model.Artifact) (*model.Artifact, error) {
	if a.Title == "" {
		return nil, &errs.Validation{Field: "title", Reason: "required"}
	}
	env := envelope{actor: actor, caused: caused, operationType: "create_artifact", resourceType: "artifact"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, a.NodeID, "artifact:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			a.Status = model.ArtifactDraft
			a.TrunkVersion = 1
			a.CreatedAt, a.UpdatedAt = now, now
			if err := repo.PutArtifact(ctx, a); err != nil {
				return "", nil, &errs.Backend{Op: "put_artifact", Cause: err}
			}
			rev := model.Revision{ID: uuid.New().String(), ArtifactID: a.ID, Version: 1, Page: a.Page, Author: actor.NodeID, CreatedAt: now}
			if err := repo.PutRevision(ctx, rev); err != nil {
				return "", nil, &errs.Backend{Op: "put_revision", Cause: err}
			}
			return a.ID, &a, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Artifact), nil
}

// UpdateArtifact replaces an artifact's mutable content, bumping
// TrunkVersion and appending a Revision (§8: "after N updates,
// trunkVersion = N+1 and exactly N+1 revisions exist with consecutive
// versions 1..N+1").
func (e *Engine) UpdateArtifact(ctx context.Context, actor model.Actor, caused *model.CausedBy, artifactID string, page any, message string) (*model.Artifact, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_artifact", resourceType: "artifact"}
	var targetNodeID string
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetArtifact(ctx, artifactID)
			if err != nil {
				return &errs.NotFound{ResourceType: "artifact", ResourceID: artifactID}
			}
			targetNodeID = existing.NodeID
			return e.authorizeActor(ctx, repo, actor, caused, targetNodeID, "artifact:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetArtifact(ctx, artifactID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "artifact", ResourceID: artifactID}
			}
			existing.Page = page
			existing.TrunkVersion++
			existing.UpdatedAt = time.Now().UTC()
			if err := repo.PutArtifact(ctx, *existing); err != nil {
				return "", nil, &errs.Backend{Op: "put_artifact", Cause: err}
			}
			rev := model.Revision{
				ID: uuid.New().String(), ArtifactID: artifactID, Version: existing.TrunkVersion,
				Page: page, Author: actor.NodeID, Message: message, CreatedAt: existing.UpdatedAt,
			}
			if err := repo.PutRevision(ctx, rev); err != nil {
				return "", nil, &errs.Backend{Op: "put_revision", Cause: err}
			}
			return artifactID, existing, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Artifact), nil
}

func (e *Engine) UpdateArtifactStatus(ctx context.Context, actor model.Actor, caused *model.CausedBy, artifactID string, status model.ArtifactStatus) (*model.Artifact, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_artifact_status", resourceType: "artifact"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetArtifact(ctx, artifactID)
			if err != nil {
				return &errs.NotFound{ResourceType: "artifact", ResourceID: artifactID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "artifact:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetArtifact(ctx, artifactID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "artifact", ResourceID: artifactID}
			}
			existing.Status = status
			existing.UpdatedAt = time.Now().UTC()
			if err := repo.PutArtifact(ctx, *existing); err != nil {
				return "", nil, &errs.Backend{Op: "put_artifact", Cause: err}
			}
			return artifactID, existing, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Artifact), nil
}

func (e *Engine) DeleteArtifact(ctx context.Context, actor model.Actor, caused *model.CausedBy, artifactID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "delete_artifact", resourceType: "artifact"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetArtifact(ctx, artifactID)
			if err != nil {
				return &errs.NotFound{ResourceType: "artifact", ResourceID: artifactID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "artifact:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if err := repo.DeleteArtifact(ctx, artifactID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_artifact", Cause: err}
			}
			return artifactID, nil, nil
		})
	return err
}

// --- Episode ---

func (e *Engine) CreateEpisode(ctx context.Context, actor model.Actor, caused *model.CausedBy, ep model.Episode) (*model.Episode, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_episode", resourceType: "episode"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, ep.NodeID, "episode:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if ep.ID == "" {
				ep.ID = uuid.New().String()
			}
			if ep.Status == "" {
				ep.Status = model.EpisodePlanned
			}
			ep.CreatedAt, ep.UpdatedAt = now, now
			if err := repo.PutEpisode(ctx, ep); err != nil {
				return "", nil, &errs.Backend{Op: "put_episode", Cause: err}
			}
			return ep.ID, &ep, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Episode), nil
}

func (e *Engine) UpdateEpisodeStatus(ctx context.Context, actor model.Actor, caused *model.CausedBy, episodeID string, status model.EpisodeStatus) (*model.Episode, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_episode_status", resourceType: "episode"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetEpisode(ctx, episodeID)
			if err != nil {
				return &errs.NotFound{ResourceType: "episode", ResourceID: episodeID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "episode:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetEpisode(ctx, episodeID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "episode", ResourceID: episodeID}
			}
			existing.Status = status
			existing.UpdatedAt = time.Now().UTC()
			if err := repo.PutEpisode(ctx, *existing); err != nil {
				return "", nil, &errs.Backend{Op: "put_episode", Cause: err}
			}
			return episodeID, existing, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Episode), nil
}

func (e *Engine) DeleteEpisode(ctx context.Context, actor model.Actor, caused *model.CausedBy, episodeID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "delete_episode", resourceType: "episode"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetEpisode(ctx, episodeID)
			if err != nil {
				return &errs.NotFound{ResourceType: "episode", ResourceID: episodeID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "episode:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if err := repo.DeleteEpisode(ctx, episodeID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_episode", Cause: err}
			}
			return episodeID, nil, nil
		})
	return err
}

// --- Variable ---

func (e *Engine) CreateVariable(ctx context.Context, actor model.Actor, caused *model.CausedBy, v model.Variable) (*model.Variable, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_variable", resourceType: "variable"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, v.NodeID, "variable:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			v.CreatedAt, v.UpdatedAt = now, now
			if err := repo.PutVariable(ctx, v); err != nil {
				return "", nil, &errs.Backend{Op: "put_variable", Cause: err}
			}
			return v.ID, &v, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Variable), nil
}

func (e *Engine) UpdateVariable(ctx context.Context, actor model.Actor, caused *model.CausedBy, v model.Variable) (*model.Variable, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_variable", resourceType: "variable"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetVariable(ctx, v.ID)
			if err != nil {
				return &errs.NotFound{ResourceType: "variable", ResourceID: v.ID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "variable:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetVariable(ctx, v.ID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "variable", ResourceID: v.ID}
			}
			v.NodeID = existing.NodeID
			v.CreatedAt = existing.CreatedAt
			v.UpdatedAt = time.Now().UTC()
			if err := repo.PutVariable(ctx, v); err != nil {
				return "", nil, &errs.Backend{Op: "put_variable", Cause: err}
			}
			return v.ID, &v, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Variable), nil
}

func (e *Engine) DeleteVariable(ctx context.Context, actor model.Actor, caused *model.CausedBy, variableID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "delete_variable", resourceType: "variable"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetVariable(ctx, variableID)
			if err != nil {
				return &errs.NotFound{ResourceType: "variable", ResourceID: variableID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "variable:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if err := repo.DeleteVariable(ctx, variableID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_variable", Cause: err}
			}
			return variableID, nil, nil
		})
	return err
}

// --- Node ---

func (e *Engine) CreateNode(ctx context.Context, actor model.Actor, caused *model.CausedBy, n model.Node) (*model.Node, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_node", resourceType: "node"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			if actor.Method == model.MethodSystem || actor.Method == model.MethodAPI {
				return nil
			}
			return &errs.Authorization{Reason: "only system/api actors may create nodes"}
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if n.ID == "" {
				n.ID = uuid.New().String()
			}
			n.CreatedAt, n.UpdatedAt = now, now
			if err := repo.PutNode(ctx, n); err != nil {
				return "", nil, &errs.Backend{Op: "put_node", Cause: err}
			}
			return n.ID, &n, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Node), nil
}

func (e *Engine) UpdateNode(ctx context.Context, actor model.Actor, caused *model.CausedBy, n model.Node) (*model.Node, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_node", resourceType: "node"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, n.ID, "node:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetNode(ctx, n.ID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "node", ResourceID: n.ID}
			}
			n.Kind = existing.Kind
			n.CreatedAt = existing.CreatedAt
			n.UpdatedAt = time.Now().UTC()
			if err := repo.PutNode(ctx, n); err != nil {
				return "", nil, &errs.Backend{Op: "put_node", Cause: err}
			}
			return n.ID, &n, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Node), nil
}

func (e *Engine) DeleteNode(ctx context.Context, actor model.Actor, caused *model.CausedBy, nodeID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "delete_node", resourceType: "node"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, nodeID, "node:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if err := repo.DeleteNode(ctx, nodeID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_node", Cause: err}
			}
			return nodeID, nil, nil
		})
	return err
}

// --- Policy ---

func (e *Engine) CreatePolicy(ctx context.Context, actor model.Actor, caused *model.CausedBy, p model.Policy) (*model.Policy, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_policy", resourceType: "policy"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, p.NodeID, "policy:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			p.CreatedAt, p.UpdatedAt = now, now
			if err := repo.PutPolicy(ctx, p); err != nil {
				return "", nil, &errs.Backend{Op: "put_policy", Cause: err}
			}
			return p.ID, &p, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Policy), nil
}

// UpdatePolicy replaces a policy's definition and invalidates its compiled
// cache entry (§4.5).
func (e *Engine) UpdatePolicy(ctx context.Context, actor model.Actor, caused *model.CausedBy, p model.Policy) (*model.Policy, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_policy", resourceType: "policy"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetPolicy(ctx, p.ID)
			if err != nil {
				return &errs.NotFound{ResourceType: "policy", ResourceID: p.ID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "policy:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetPolicy(ctx, p.ID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "policy", ResourceID: p.ID}
			}
			p.NodeID = existing.NodeID
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = time.Now().UTC()
			if err := repo.PutPolicy(ctx, p); err != nil {
				return "", nil, &errs.Backend{Op: "put_policy", Cause: err}
			}
			return p.ID, &p, nil
		})
	if err != nil {
		return nil, err
	}
	if e.invalidator != nil {
		e.invalidator.Invalidate(p.ID)
	}
	return result.(*model.Policy), nil
}

func (e *Engine) SetPolicyEnabled(ctx context.Context, actor model.Actor, caused *model.CausedBy, policyID string, enabled bool) (*model.Policy, error) {
	env := envelope{actor: actor, caused: caused, operationType: "update_policy_status", resourceType: "policy"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetPolicy(ctx, policyID)
			if err != nil {
				return &errs.NotFound{ResourceType: "policy", ResourceID: policyID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "policy:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			existing, err := repo.GetPolicy(ctx, policyID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "policy", ResourceID: policyID}
			}
			existing.Enabled = enabled
			existing.UpdatedAt = time.Now().UTC()
			if err := repo.PutPolicy(ctx, *existing); err != nil {
				return "", nil, &errs.Backend{Op: "put_policy", Cause: err}
			}
			return policyID, existing, nil
		})
	if err != nil {
		return nil, err
	}
	if e.invalidator != nil {
		e.invalidator.Invalidate(policyID)
	}
	return result.(*model.Policy), nil
}

func (e *Engine) DeletePolicy(ctx context.Context, actor model.Actor, caused *model.CausedBy, policyID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "delete_policy", resourceType: "policy"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			existing, err := repo.GetPolicy(ctx, policyID)
			if err != nil {
				return &errs.NotFound{ResourceType: "policy", ResourceID: policyID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, existing.NodeID, "policy:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if err := repo.DeletePolicy(ctx, policyID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_policy", Cause: err}
			}
			return policyID, nil, nil
		})
	if err != nil {
		return err
	}
	if e.invalidator != nil {
		e.invalidator.Invalidate(policyID)
	}
	return nil
}

// --- ActionRun ---

func (e *Engine) ApproveActionRun(ctx context.Context, actor model.Actor, caused *model.CausedBy, actionRunID, approverID string) (*model.ActionRun, error) {
	env := envelope{actor: actor, caused: caused, operationType: "approve_action_run", resourceType: "actionRun"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, run.NodeID, "actionRun:approve")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			if !model.IsLegalActionTransition(run.Status, model.ActionApproved) {
				return "", nil, &errs.Conflict{Reason: fmt.Sprintf("action run %s cannot transition from %s to approved", run.ID, run.Status)}
			}
			now := time.Now().UTC()
			run.Status = model.ActionApproved
			run.Approval = &model.Approval{Method: "manual", ApproverID: approverID, ApprovedAt: now}
			run.UpdatedAt = now
			if err := repo.PutActionRun(ctx, *run); err != nil {
				return "", nil, &errs.Backend{Op: "put_action_run", Cause: err}
			}
			return run.ID, run, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.ActionRun), nil
}

func (e *Engine) RejectActionRun(ctx context.Context, actor model.Actor, caused *model.CausedBy, actionRunID, rejectorID, reason string) (*model.ActionRun, error) {
	env := envelope{actor: actor, caused: caused, operationType: "reject_action_run", resourceType: "actionRun"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, run.NodeID, "actionRun:approve")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			if !model.IsLegalActionTransition(run.Status, model.ActionRejected) {
				return "", nil, &errs.Conflict{Reason: fmt.Sprintf("action run %s cannot transition from %s to rejected", run.ID, run.Status)}
			}
			now := time.Now().UTC()
			run.Status = model.ActionRejected
			run.Rejection = &model.Rejection{RejectorID: rejectorID, Reason: reason, RejectedAt: now}
			run.UpdatedAt = now
			if err := repo.PutActionRun(ctx, *run); err != nil {
				return "", nil, &errs.Backend{Op: "put_action_run", Cause: err}
			}
			return run.ID, run, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.ActionRun), nil
}

// ExecuteActionRun transitions an approved run to executed or failed,
// per the caller-supplied outcome of having actually run the action
// (running it is outside Prism's and this substrate's scope, §1 non-goal).
func (e *Engine) ExecuteActionRun(ctx context.Context, actor model.Actor, caused *model.CausedBy, actionRunID string, success bool, execErr string) (*model.ActionRun, error) {
	env := envelope{actor: actor, caused: caused, operationType: "execute_action_run", resourceType: "actionRun"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, run.NodeID, "actionRun:execute")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			run, err := repo.GetActionRun(ctx, actionRunID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "actionRun", ResourceID: actionRunID}
			}
			target := model.ActionExecuted
			if !success {
				target = model.ActionFailed
			}
			if !model.IsLegalActionTransition(run.Status, target) {
				return "", nil, &errs.Conflict{Reason: fmt.Sprintf("action run %s cannot transition from %s to %s", run.ID, run.Status, target)}
			}
			now := time.Now().UTC()
			run.Status = target
			run.Execution = &model.Execution{StartedAt: now, CompletedAt: now, Success: success, Error: execErr}
			run.UpdatedAt = now
			if err := repo.PutActionRun(ctx, *run); err != nil {
				return "", nil, &errs.Backend{Op: "put_action_run", Cause: err}
			}
			return run.ID, run, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.ActionRun), nil
}

// --- Entity ---

func (e *Engine) CreateEntity(ctx context.Context, actor model.Actor, caused *model.CausedBy, nodeID, typeID string) (*model.Entity, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_entity", resourceType: "entity"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, nodeID, "entity:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			ent := model.Entity{ID: uuid.New().String(), NodeID: nodeID, TypeID: typeID}
			ent.Reduce(nil)
			if err := repo.PutEntity(ctx, ent); err != nil {
				return "", nil, &errs.Backend{Op: "put_entity", Cause: err}
			}
			return ent.ID, &ent, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Entity), nil
}

// AppendEntityEvent is Prism's operation surface entry point (distinct
// from the create_entity_event effect handler, which calls it via
// CreateEntityEvent below). It appends evt to the entity's event log and
// recomputes State.
func (e *Engine) AppendEntityEvent(ctx context.Context, actor model.Actor, caused *model.CausedBy, evt model.EntityEvent) (*model.Entity, error) {
	env := envelope{actor: actor, caused: caused, operationType: "append_entity_event", resourceType: "entity"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			ent, err := repo.GetEntity(ctx, evt.EntityID)
			if err != nil {
				return &errs.NotFound{ResourceType: "entity", ResourceID: evt.EntityID}
			}
			return e.authorizeActor(ctx, repo, actor, caused, ent.NodeID, "entity:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if evt.ID == "" {
				evt.ID = uuid.New().String()
			}
			if evt.Timestamp.IsZero() {
				evt.Timestamp = time.Now().UTC()
			}
			evt.ActorNodeID = actor.NodeID
			if err := repo.AppendEntityEvent(ctx, evt); err != nil {
				return "", nil, &errs.Backend{Op: "append_entity_event", Cause: err}
			}
			ent, err := repo.GetEntity(ctx, evt.EntityID)
			if err != nil {
				return "", nil, &errs.Backend{Op: "get_entity", Cause: err}
			}
			return ent.ID, ent, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Entity), nil
}

// CreateEntityEvent implements effect.Committer for the create_entity_event
// effect (§4.6): the evaluating policy's node is the actor.
func (e *Engine) CreateEntityEvent(ctx context.Context, caused model.CausedBy, entityID string, evt model.EntityEvent) error {
	actor, err := actorForNode(ctx, e.repo, evt.ActorNodeID, model.MethodPolicyEffect)
	if err != nil {
		return err
	}
	evt.EntityID = entityID
	_, err = e.AppendEntityEvent(ctx, actor, &caused, evt)
	return err
}

// --- Edge ---

func (e *Engine) AddEdge(ctx context.Context, actor model.Actor, caused *model.CausedBy, edge model.Edge) (*model.Edge, error) {
	env := envelope{actor: actor, caused: caused, operationType: "add_edge", resourceType: "edge"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, edge.FromID, "edge:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if edge.ID == "" {
				edge.ID = uuid.New().String()
			}
			edge.CreatedAt = time.Now().UTC()
			if err := repo.PutEdge(ctx, edge); err != nil {
				return "", nil, &errs.Backend{Op: "put_edge", Cause: err}
			}
			return edge.ID, &edge, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Edge), nil
}

func (e *Engine) RemoveEdge(ctx context.Context, actor model.Actor, caused *model.CausedBy, nodeID, edgeID string) error {
	env := envelope{actor: actor, caused: caused, operationType: "remove_edge", resourceType: "edge"}
	_, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, caused, nodeID, "edge:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			edges, err := repo.ListEdges(ctx, nodeID)
			if err != nil {
				return "", nil, &errs.Backend{Op: "list_edges", Cause: err}
			}
			found := false
			for _, e := range edges {
				if e.ID == edgeID {
					found = true
					break
				}
			}
			if !found {
				return "", nil, &errs.NotFound{ResourceType: "edge", ResourceID: edgeID}
			}
			if err := repo.DeleteEdge(ctx, edgeID); err != nil {
				return "", nil, &errs.Backend{Op: "delete_edge", Cause: err}
			}
			return edgeID, nil, nil
		})
	return err
}

// --- Agent delegation & grants ---

// SetAgentDelegation creates or replaces the delegation from a sponsor to
// an agent. Per model.AgentDelegation's invariant, an agent may not modify
// its own delegation: the actor must be the sponsor, not the agent.
func (e *Engine) SetAgentDelegation(ctx context.Context, actor model.Actor, caused *model.CausedBy, d model.AgentDelegation) (*model.AgentDelegation, error) {
	env := envelope{actor: actor, caused: caused, operationType: "set_agent_delegation", resourceType: "delegation"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			if actor.NodeID != d.SponsorID {
				return &errs.Authorization{Reason: "only the sponsor may set an agent's delegation"}
			}
			if actor.NodeID == d.AgentID {
				return &errs.Authorization{Reason: "an agent may not set its own delegation"}
			}
			return nil
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			if d.ID == "" {
				d.ID = uuid.New().String()
			}
			d.CreatedAt = now
			d.UpdatedAt = now
			if err := repo.PutDelegation(ctx, d); err != nil {
				return "", nil, &errs.Backend{Op: "put_delegation", Cause: err}
			}
			return d.ID, &d, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.AgentDelegation), nil
}

func (e *Engine) CreateGrant(ctx context.Context, actor model.Actor, caused *model.CausedBy, g model.Grant) (*model.Grant, error) {
	env := envelope{actor: actor, caused: caused, operationType: "create_grant", resourceType: "grant"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			if actor.NodeID == "" {
				return &errs.Authorization{Reason: "grantor required"}
			}
			return nil
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			if g.ID == "" {
				g.ID = uuid.New().String()
			}
			g.GrantorNodeID = actor.NodeID
			g.GrantedAt = time.Now().UTC()
			g.Revoked = false
			if err := repo.PutGrant(ctx, g); err != nil {
				return "", nil, &errs.Backend{Op: "put_grant", Cause: err}
			}
			return g.ID, &g, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Grant), nil
}

func (e *Engine) RevokeGrant(ctx context.Context, actor model.Actor, caused *model.CausedBy, grantID string) (*model.Grant, error) {
	env := envelope{actor: actor, caused: caused, operationType: "revoke_grant", resourceType: "grant"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			g, err := repo.GetGrant(ctx, grantID)
			if err != nil {
				return &errs.NotFound{ResourceType: "grant", ResourceID: grantID}
			}
			if g.GrantorNodeID != actor.NodeID && actor.Method != model.MethodSystem {
				return &errs.Authorization{Reason: "only the grantor may revoke a grant"}
			}
			return nil
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			g, err := repo.GetGrant(ctx, grantID)
			if err != nil {
				return "", nil, &errs.NotFound{ResourceType: "grant", ResourceID: grantID}
			}
			g.Revoked = true
			if err := repo.PutGrant(ctx, *g); err != nil {
				return "", nil, &errs.Backend{Op: "put_grant", Cause: err}
			}
			return g.ID, g, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Grant), nil
}

// --- effect.Committer surface ---

// RouteObservation implements effect.Committer for the route_observation
// effect: appends obs (already stamped by the handler with the routed
// provenance/tag) under toNodeID, issuing a fresh ID.
func (e *Engine) RouteObservation(ctx context.Context, caused model.CausedBy, sourceNodeID, toNodeID string, obs model.Observation) (*model.Observation, error) {
	actor, err := actorForNode(ctx, e.repo, sourceNodeID, model.MethodPolicyEffect)
	if err != nil {
		return nil, err
	}
	env := envelope{actor: actor, caused: &caused, operationType: "route_observation", resourceType: "observation"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			return e.authorizeActor(ctx, repo, actor, &caused, toNodeID, "observation:write")
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			obs.ID = uuid.New().String()
			obs.NodeID = toNodeID
			if err := repo.PutObservation(ctx, obs); err != nil {
				return "", nil, &errs.Backend{Op: "put_observation", Cause: err}
			}
			return obs.ID, &obs, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.Observation), nil
}

// ProposeAction implements effect.Committer for the propose_action effect:
// creates a pending ActionRun, immediately approving it with method "auto"
// when the proposed action carries riskLevel "low" (§4.6), subject to the
// proposing node's delegation constraints when it is an agent.
func (e *Engine) ProposeAction(ctx context.Context, caused model.CausedBy, nodeID string, action any, riskLevel model.RiskLevel) (*model.ActionRun, error) {
	actor, err := actorForNode(ctx, e.repo, nodeID, model.MethodPolicyEffect)
	if err != nil {
		return nil, err
	}
	env := envelope{actor: actor, caused: &caused, operationType: "propose_action", resourceType: "actionRun"}
	result, err := e.run(ctx, env,
		func(ctx context.Context, repo store.Repository) error {
			allowed, err := e.allowedUnderDelegation(ctx, repo, actor, caused.EffectType, riskLevel)
			if err != nil {
				return err
			}
			if !allowed {
				return &errs.Authorization{Reason: fmt.Sprintf("agent %s delegation does not permit risk level %s", nodeID, riskLevel)}
			}
			return nil
		},
		func(ctx context.Context, repo store.Repository) (string, any, error) {
			now := time.Now().UTC()
			run := model.ActionRun{
				ID:         uuid.New().String(),
				NodeID:     nodeID,
				ProposedBy: model.ProposedBy{PolicyID: caused.PolicyID, ObservationID: caused.ObservationID},
				Action:     action,
				RiskLevel:  riskLevel,
				Status:     model.ActionPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if riskLevel == model.RiskLow {
				run.Status = model.ActionApproved
				run.Approval = &model.Approval{Method: "auto", ApprovedAt: now}
			}
			if err := repo.PutActionRun(ctx, run); err != nil {
				return "", nil, &errs.Backend{Op: "put_action_run", Cause: err}
			}
			return run.ID, &run, nil
		})
	if err != nil {
		return nil, err
	}
	return result.(*model.ActionRun), nil
}
