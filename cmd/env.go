package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andes-mobility/attribution-cli/internal/db"
	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/ingest"
	"github.com/andes-mobility/attribution-cli/internal/match"
	"github.com/andes-mobility/attribution-cli/internal/origin"
)

// env bundles the wired services every command needs.
type env struct {
	pool *pgxpool.Pool

	identities  *identity.PostgresStore
	runs        *ingest.RunLog
	orch        *ingest.Orchestrator
	origins     *origin.Service
	originStore *origin.PostgresStore
}

func initEnv(ctx context.Context) (*env, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	identities := identity.NewPostgresStore(pool)
	roster := match.NewPostgresRoster(pool)
	engine := match.NewEngine(roster, identities, cfg.Match)
	runs := ingest.NewRunLog(pool)

	sources, err := ingest.BuildSources(pool, cfg.Ingest.Sources)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// Recovery handle for persisting FAILED status if the primary pool
	// is the thing that broke.
	freshPool := func(ctx context.Context) (db.Pool, error) {
		return db.Connect(ctx, cfg.Store.DatabaseURL, 2, 1)
	}
	orch := ingest.NewOrchestrator(runs, identities, engine, pool, sources, cfg.Ingest.BatchSize, freshPool)

	originStore := origin.NewPostgresStore(pool)
	origins, err := origin.NewService(identities, originStore, cfg.Origin)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &env{
		pool:        pool,
		identities:  identities,
		runs:        runs,
		orch:        orch,
		origins:     origins,
		originStore: originStore,
	}, nil
}

func (e *env) Close() {
	e.pool.Close()
}
