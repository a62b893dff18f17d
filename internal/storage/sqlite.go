package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/forward"
	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config controls the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements forward.Store on a single SQLite file.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

var _ forward.Store = (*Store)(nil)

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertUser(ctx context.Context, u forward.UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, name, credential, logged_in, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   name=excluded.name, credential=excluded.credential,
		   logged_in=excluded.logged_in, updated_at=excluded.updated_at`,
		u.UserID, u.Name, u.Credential, boolInt(u.LoggedIn), now(),
	)
	return err
}

func (s *Store) SetLoggedOut(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET logged_in=0, updated_at=? WHERE user_id=?`, now(), userID)
	return err
}

func (s *Store) SaveTask(ctx context.Context, t forward.Task, st forward.Settings) error {
	sources, err := json.Marshal(t.Sources)
	if err != nil {
		return err
	}
	targets, err := json.Marshal(t.Targets)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(user_id, label, sources, targets, active, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, label) DO UPDATE SET
		   sources=excluded.sources, targets=excluded.targets, active=excluded.active`,
		t.UserID, t.Label, string(sources), string(targets), boolInt(t.Active), now(),
	); err != nil {
		return err
	}
	if err := upsertSettings(ctx, tx, t.UserID, t.Label, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteTask(ctx context.Context, userID int64, label string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE user_id=? AND label=?`, userID, label)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_settings WHERE user_id=? AND label=?`, userID, label); err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *Store) UpsertSettings(ctx context.Context, userID int64, label string, st forward.Settings) error {
	return upsertSettings(ctx, s.db, userID, label, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSettings(ctx context.Context, db execer, userID int64, label string, st forward.Settings) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO task_settings(user_id, label, settings, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(user_id, label) DO UPDATE SET
		   settings=excluded.settings, updated_at=excluded.updated_at`,
		userID, label, string(blob), now(),
	)
	return err
}

func (s *Store) ActiveTasks(ctx context.Context) ([]forward.TaskWithSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.user_id, t.label, t.sources, t.targets, t.active, s.settings
		   FROM tasks t
		   LEFT JOIN task_settings s ON s.user_id = t.user_id AND s.label = t.label
		  WHERE t.active = 1
		  ORDER BY t.user_id, t.label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forward.TaskWithSettings
	for rows.Next() {
		var (
			t        forward.Task
			active   int
			sources  string
			targets  string
			settings sql.NullString
		)
		if err := rows.Scan(&t.UserID, &t.Label, &sources, &targets, &active, &settings); err != nil {
			return nil, err
		}
		t.Active = active != 0
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, fmt.Errorf("task %d/%s sources: %w", t.UserID, t.Label, err)
		}
		if err := json.Unmarshal([]byte(targets), &t.Targets); err != nil {
			return nil, fmt.Errorf("task %d/%s targets: %w", t.UserID, t.Label, err)
		}

		st := forward.DefaultSettings()
		if settings.Valid {
			if err := json.Unmarshal([]byte(settings.String), &st); err != nil {
				// A corrupt settings row falls back to defaults rather than
				// blocking the whole restore.
				s.log.Warn("settings row unreadable, using defaults",
					logx.Int64("user", t.UserID), logx.String("label", t.Label), logx.Err(err))
				st = forward.DefaultSettings()
			}
		}
		out = append(out, forward.TaskWithSettings{Task: t, Settings: st})
	}
	return out, rows.Err()
}

func (s *Store) LoggedInUsers(ctx context.Context) ([]forward.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, credential FROM users WHERE logged_in = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forward.UserRecord
	for rows.Next() {
		u := forward.UserRecord{LoggedIn: true}
		if err := rows.Scan(&u.UserID, &u.Name, &u.Credential); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
