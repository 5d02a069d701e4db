package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "appnotifier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if err := s.upgradeLegacy(ctx); err != nil {
		return fmt.Errorf("legacy schema upgrade: %w", err)
	}
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// upgradeLegacy rebuilds the v1 layout (one row per entity, no
// category/version columns, entity_id as sole primary key) into the
// two-category layout. Existing rows are preserved; the missing
// category defaults to "update" and version to NULL.
func (s *sqliteStore) upgradeLegacy(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'records'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	hasCategory, err := s.hasColumn(ctx, "records", "category")
	if err != nil || hasCategory {
		return err
	}

	s.log.Info("upgrading history schema to two-category layout")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE records_v2 (
			entity_id   TEXT NOT NULL,
			category    TEXT NOT NULL,
			label       TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			version     TEXT,
			PRIMARY KEY (entity_id, category)
		)`,
		`INSERT INTO records_v2(entity_id, category, label, occurred_at, version)
			SELECT entity_id, 'update', label, occurred_at, NULL FROM records`,
		`DROP TABLE records`,
		`ALTER TABLE records_v2 RENAME TO records`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid         int
			name, ctype string
			notnull, pk int
			dflt        any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return ErrEmptyEntityID
	}
	if !r.Category.Valid() {
		return fmt.Errorf("invalid category %q", r.Category)
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(entity_id, category, label, occurred_at, version)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(entity_id, category) DO UPDATE SET
			label = excluded.label,
			occurred_at = excluded.occurred_at,
			version = excluded.version`,
		r.EntityID, string(r.Category), r.Label, r.OccurredAt.UnixMilli(), nullStr(r.Version),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, entityID string, cat Category) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE entity_id = ? AND category = ?`,
		entityID, string(cat),
	)
	return err
}

func (s *sqliteStore) DeleteCategory(ctx context.Context, cat Category) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE category = ?`, string(cat))
	return err
}

func (s *sqliteStore) ListCategory(ctx context.Context, cat Category) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, category, label, occurred_at, version
		 FROM records WHERE category = ?
		 ORDER BY occurred_at ASC, rowid ASC`,
		string(cat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			catStr  string
			ms      int64
			version sql.NullString
		)
		if err := rows.Scan(&r.EntityID, &catStr, &r.Label, &ms, &version); err != nil {
			return nil, err
		}
		r.Category = Category(catStr)
		r.OccurredAt = time.UnixMilli(ms)
		r.Version = version.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetMeta(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
