package db

import (
	"context"
	"time"

	"arrival-agent/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectPostgres opens the pool used by the transition journal. The journal
// is optional on-device; callers treat a nil pool as "journal disabled".
func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.PostgresURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
