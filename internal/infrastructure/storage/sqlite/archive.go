// Package sqlite is the local append-only archive of feature job results.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"featflow/internal/application/port"
)

type Archive struct {
	db *sql.DB
}

func New(path string) (*Archive, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  token_id TEXT NOT NULL,
  condition_id TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  features TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feature_results_token ON feature_results(token_id);
CREATE INDEX IF NOT EXISTS idx_feature_results_ts ON feature_results(ts_ms);
`)
	return err
}

func (a *Archive) InsertResult(ctx context.Context, tokenID, conditionID string, tsMs int64, features string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO feature_results(token_id, condition_id, ts_ms, features, created_at) VALUES(?, ?, ?, ?, ?)`,
		tokenID, conditionID, tsMs, features, time.Now().UnixMilli())
	return err
}

// ListRecent returns up to n most recent result payloads for a token,
// newest first.
func (a *Archive) ListRecent(ctx context.Context, tokenID string, n int) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT features FROM feature_results WHERE token_id = ? ORDER BY ts_ms DESC LIMIT ?`,
		tokenID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ port.ResultArchive = (*Archive)(nil)
