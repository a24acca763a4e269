package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool limits for the API process. Page writes are short transactions, so
// a modest pool with idle recycling is enough.
const (
	poolMaxOpen     = 20
	poolMaxIdle     = 10
	poolIdleTime    = 5 * time.Minute
	poolMaxLifetime = 30 * time.Minute
)

// Open connects to Postgres through the pgx database/sql driver and
// verifies the connection before handing it back.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolMaxOpen)
	db.SetMaxIdleConns(poolMaxIdle)
	db.SetConnMaxIdleTime(poolIdleTime)
	db.SetConnMaxLifetime(poolMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
