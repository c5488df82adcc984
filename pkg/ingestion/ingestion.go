// Package ingestion implements observation intake (§4.2): validation,
// optional node-existence verification, optional JSON-schema payload
// validation, and an optional rate limiter, before handing the record to
// the repository. Batches are validated fail-fast so no partial commit is
// ever visible.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/store"
)

// SchemaValidator checks an observation payload against a registered
// schema for its type. Implemented by pkg/ingestion/schema.
type SchemaValidator interface {
	Validate(observationType string, payload any) error
}

// Limiter gates ingestion by actor (sourceId), allowing a cost of 1 token
// per observation. Implemented by pkg/ingestion/ratelimit, backed by
// either Redis or a local token bucket.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// Options configures an Ingestor's optional behaviors, all off by default
// so ingestion degrades gracefully with a bare Repository.
type Options struct {
	VerifyNodesExist bool
	Schema           SchemaValidator
	Limiter          Limiter
	Observability    *observability.Provider
}

// Ingestor implements ingestObservation/ingestObservations (§4.2).
type Ingestor struct {
	repo store.Repository
	opts Options
}

// New creates an Ingestor writing through repo.
func New(repo store.Repository, opts Options) *Ingestor {
	return &Ingestor{repo: repo, opts: opts}
}

// Input is the caller-supplied shape for one observation, before the
// ingestor stamps an ID and resolves a missing timestamp to "now".
type Input struct {
	NodeID     string
	Type       string
	Timestamp  *time.Time
	Payload    any
	Provenance model.Provenance
	Tags       []string
}

// IngestObservation validates input, optionally verifies referenced nodes
// and payload schema, and appends the resulting Observation through the
// repository.
func (ig *Ingestor) IngestObservation(ctx context.Context, in Input) (obs *model.Observation, err error) {
	if ig.opts.Observability != nil {
		var end func(*error)
		ctx, end = ig.opts.Observability.StartSpan(ctx, "ingestion", "ingest_observation")
		defer func() { end(&err) }()
	}

	obs, err = ig.validate(ctx, in)
	if err != nil {
		return nil, err
	}

	if ig.opts.Limiter != nil {
		var allowed bool
		allowed, err = ig.opts.Limiter.Allow(ctx, in.Provenance.SourceID)
		if err != nil {
			err = &errs.Backend{Op: "ingest_observation_rate_limit", Cause: err}
			return nil, err
		}
		if !allowed {
			err = &errs.Validation{Field: "provenance.sourceId", Reason: "rate limit exceeded"}
			return nil, err
		}
	}

	if err = ig.repo.PutObservation(ctx, *obs); err != nil {
		err = &errs.Backend{Op: "ingest_observation", Cause: err}
		return nil, err
	}
	return obs, nil
}

// IngestObservations validates every input first (fail-fast, no partial
// commit) and only then persists them in order. A validation failure is
// returned wrapped with the offending index in its message
// ("ingest_observations[i]: ..."); the wrapped error keeps its own type.
func (ig *Ingestor) IngestObservations(ctx context.Context, inputs []Input) ([]model.Observation, error) {
	observations := make([]model.Observation, 0, len(inputs))
	for i, in := range inputs {
		obs, err := ig.validate(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("ingest_observations[%d]: %w", i, err)
		}
		observations = append(observations, *obs)
	}

	for _, obs := range observations {
		if err := ig.repo.PutObservation(ctx, obs); err != nil {
			return nil, &errs.Backend{Op: "ingest_observations", Cause: err}
		}
	}
	return observations, nil
}

func (ig *Ingestor) validate(ctx context.Context, in Input) (*model.Observation, error) {
	if !model.ValidObservationType(in.Type) {
		return nil, &errs.Validation{Field: "type", Reason: "malformed or missing observation type"}
	}
	if in.Provenance.SourceID == "" {
		return nil, &errs.Provenance{Reason: "provenance.sourceId is required"}
	}
	if in.Provenance.Confidence != nil && (*in.Provenance.Confidence < 0 || *in.Provenance.Confidence > 1) {
		return nil, &errs.Provenance{Reason: "provenance.confidence must be in [0,1]"}
	}

	ts := time.Now().UTC()
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC()
	}

	if ig.opts.VerifyNodesExist {
		if _, err := ig.repo.GetNode(ctx, in.NodeID); err != nil {
			return nil, &errs.NotFound{ResourceType: "node", ResourceID: in.NodeID}
		}
		if in.Provenance.SourceID != "" {
			if _, err := ig.repo.GetNode(ctx, in.Provenance.SourceID); err != nil {
				return nil, &errs.NotFound{ResourceType: "node", ResourceID: in.Provenance.SourceID}
			}
		}
		if in.Provenance.SponsorID != "" {
			if _, err := ig.repo.GetNode(ctx, in.Provenance.SponsorID); err != nil {
				return nil, &errs.NotFound{ResourceType: "node", ResourceID: in.Provenance.SponsorID}
			}
		}
	}

	if ig.opts.Schema != nil {
		if err := ig.opts.Schema.Validate(in.Type, in.Payload); err != nil {
			return nil, &errs.Validation{Field: "payload", Reason: err.Error()}
		}
	}

	return &model.Observation{
		ID:         uuid.New().String(),
		NodeID:     in.NodeID,
		Type:       in.Type,
		Timestamp:  ts,
		Payload:    in.Payload,
		Provenance: in.Provenance,
		Tags:       in.Tags,
	}, nil
}
