package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/vellum-systems/substrate/pkg/audit"
	"github.com/vellum-systems/substrate/pkg/config"
	"github.com/vellum-systems/substrate/pkg/effect"
	"github.com/vellum-systems/substrate/pkg/ingestion"
	"github.com/vellum-systems/substrate/pkg/ingestion/ratelimit"
	"github.com/vellum-systems/substrate/pkg/ingestion/schema"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/policy"
	"github.com/vellum-systems/substrate/pkg/policy/celrt"
	"github.com/vellum-systems/substrate/pkg/policy/wasmrt"
	"github.com/vellum-systems/substrate/pkg/polctx"
	"github.com/vellum-systems/substrate/pkg/prism"
	"github.com/vellum-systems/substrate/pkg/reactor"
	"github.com/vellum-systems/substrate/pkg/store"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
	"github.com/vellum-systems/substrate/pkg/store/sqlstore"
)

// substrate is the wired-up C1-C10 graph a bootstrapper command drives.
// It carries no transport of its own (§6: "no command-line surface is
// part of the core") — cmd/substrate's two bundle subcommands call
// straight into Repo/Bundle's C8 functions.
type substrate struct {
	cfg       *config.Config
	obs       *observability.Provider
	repo      store.Repository
	ingestor  *ingestion.Ingestor
	builder   *polctx.Builder
	policyEng *policy.Engine
	dispatch  *effect.Dispatcher
	prismEng  *prism.Engine
	reactor   *reactor.Reactor
	shutdown  func(context.Context) error
}

// bootstrap wires C1 (backend selected by cfg.DatabaseURL's scheme) through
// C10, mirroring the teacher's runServer: connect storage first, then
// layer the kernel pieces on top, fatal on any wiring error.
func bootstrap(ctx context.Context, cfg *config.Config) (*substrate, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.ObservabilityEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: observability: %w", err)
	}

	repo, err := openRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: repository: %w", err)
	}

	var auditSink audit.Sink
	if cfg.AuditEnabled {
		auditSink = audit.NewWriterSink(os.Stdout)
	}
	auditChain := audit.NewChain(auditSink)

	celRT, err := celrt.New(celrt.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: cel runtime: %w", err)
	}
	wasmRT, err := wasmrt.New(ctx, wasmrt.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: wasm runtime: %w", err)
	}
	policyEng := policy.NewEngine(celRT, wasmRT, cfg.PolicyTimeout, obs)

	prismEng := prism.NewEngine(repo, auditChain, policyEng, prism.Config{
		AuditEnabled:           cfg.AuditEnabled,
		TransactionsEnabled:    cfg.TransactionsEnabled,
		DefaultActionTimeoutMs: int64(cfg.ActionTimeoutMs),
	}, obs)

	dispatch := effect.New(prismEng, repo, effect.NewPackRegistry(), effect.DefaultConfig(), obs)

	ingOpts := ingestion.Options{
		VerifyNodesExist: true,
		Schema:           schema.NewRegistry(),
		Observability:    obs,
	}
	if limiter, err := buildLimiter(cfg); err != nil {
		slog.Default().Warn("substrate: rate limiter disabled", "error", err)
	} else {
		ingOpts.Limiter = limiter
	}
	ingestor := ingestion.New(repo, ingOpts)

	builder := polctx.NewBuilder(repo)

	react := reactor.New(repo, ingestor, builder, policyEng, dispatch, obs)

	return &substrate{
		cfg:       cfg,
		obs:       obs,
		repo:      repo,
		ingestor:  ingestor,
		builder:   builder,
		policyEng: policyEng,
		dispatch:  dispatch,
		prismEng:  prismEng,
		reactor:   react,
		shutdown:  obs.Shutdown,
	}, nil
}

// openRepository dispatches on dsn's scheme, mirroring the teacher's
// DATABASE_URL-or-Lite-Mode fallback in cmd/helm/main.go, generalized to
// the three backends SPEC_FULL §4.1 names instead of two.
func openRepository(ctx context.Context, dsn string) (store.Repository, error) {
	if dsn == "" || dsn == "memory://" {
		return memstore.New(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL %q: %w", dsn, err)
	}
	switch u.Scheme {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "postgres":
		return sqlstore.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme %q", u.Scheme)
	}
}

// buildLimiter wires a Redis-backed limiter when REDIS_URL is configured,
// falling back to nothing (ingestion proceeds unthrottled) rather than a
// local in-process bucket, since a bootstrapper process has no shared
// state to anchor one to across restarts.
func buildLimiter(cfg *config.Config) (ingestion.Limiter, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.NewRedisLimiter(client, 10, 20), nil
}
