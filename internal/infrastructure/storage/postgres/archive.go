// Package postgres is the shared-database variant of the result archive.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"featflow/internal/application/port"
)

type Archive struct {
	db *sql.DB
}

func New(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	a := &Archive{db: db}
	if err := a.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS feature_results (
  id BIGSERIAL PRIMARY KEY,
  token_id TEXT NOT NULL,
  condition_id TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  features TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feature_results_token ON feature_results(token_id);
CREATE INDEX IF NOT EXISTS idx_feature_results_ts ON feature_results(ts_ms);
`)
	return err
}

func (a *Archive) InsertResult(ctx context.Context, tokenID, conditionID string, tsMs int64, features string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO feature_results(token_id, condition_id, ts_ms, features, created_at) VALUES($1, $2, $3, $4, $5)`,
		tokenID, conditionID, tsMs, features, time.Now().UnixMilli())
	return err
}

var _ port.ResultArchive = (*Archive)(nil)
