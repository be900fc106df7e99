// ABOUTME: SQLite implementation of CredentialRepo/TaskRepo using modernc.org/sqlite.
// ABOUTME: Schema is created at startup and gated by a _migrations ledger.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements CredentialRepo, TaskRepo and Migrator over SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// runs its schema + migrations. Parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			agent_name TEXT PRIMARY KEY,
			token      TEXT NOT NULL UNIQUE,
			owner_id   TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials(owner_id);

		CREATE TABLE IF NOT EXISTS tasks (
			task_id           TEXT PRIMARY KEY,
			from_user         TEXT NOT NULL,
			to_agent          TEXT NOT NULL,
			content           TEXT NOT NULL,
			status            TEXT NOT NULL,
			result            TEXT,
			created_at        TEXT NOT NULL,
			completed_at      TEXT,
			chat_id           INTEGER NOT NULL DEFAULT 0,
			message_id        INTEGER NOT NULL DEFAULT 0,
			conversation_id   TEXT NOT NULL,
			parent_task_id    TEXT,
			result_message_id INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_to_agent ON tasks(to_agent);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_result_message ON tasks(result_message_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS pending_tasks (
			agent_name TEXT NOT NULL,
			task_id    TEXT NOT NULL REFERENCES tasks(task_id),
			position   INTEGER NOT NULL,
			PRIMARY KEY (agent_name, task_id)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_agent_position ON pending_tasks(agent_name, position);

		CREATE TABLE IF NOT EXISTS status_panels (
			chat_id    INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS _migrations (
			name       TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migration is a single named, idempotent schema change applied at most once,
// gated by the _migrations ledger table.
type migration struct {
	name string
	stmt string
}

// migrations lists the ledgered schema changes, in order. The base schema
// above covers a fresh database; this list exists for changes made after
// first release and is intentionally empty until one is needed.
var migrations = []migration{}

// Migrate applies any migration not yet recorded in _migrations, inside a
// transaction per migration, gated by the ledger so each runs at most once.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.name)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}

func (s *SQLiteStore) migrationApplied(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM _migrations WHERE name = ?`, name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sqlite store")
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// --- CredentialRepo ---

func (s *SQLiteStore) Upsert(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (agent_name, token, owner_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET token = excluded.token, owner_id = excluded.owner_id
	`, cred.AgentName, cred.Token, cred.OwnerID, cred.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByName(ctx context.Context, agentName string) (*Credential, error) {
	var cred Credential
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_name, token, owner_id, created_at FROM credentials WHERE agent_name = ?
	`, agentName).Scan(&cred.AgentName, &cred.Token, &cred.OwnerID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	cred.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &cred, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, agentName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE agent_name = ?`, agentName)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_name, token, owner_id, created_at FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		var cred Credential
		var createdAt string
		if err := rows.Scan(&cred.AgentName, &cred.Token, &cred.OwnerID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		cred.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &cred)
	}
	return out, rows.Err()
}

// --- TaskRepo ---

func (s *SQLiteStore) UpsertTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, from_user, to_agent, content, status, result, created_at,
			completed_at, chat_id, message_id, conversation_id, parent_task_id, result_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status, result = excluded.result, completed_at = excluded.completed_at,
			chat_id = excluded.chat_id, message_id = excluded.message_id,
			result_message_id = excluded.result_message_id
	`, taskArgs(t)...)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, completed_at = ?, chat_id = ?, message_id = ?,
			result_message_id = ?
		WHERE task_id = ?
	`, t.Status, nullString(t.Result), nullTime(t.CompletedAt), t.ChatID, t.MessageID,
		t.ResultMessageID, t.TaskID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func taskArgs(t *Task) []any {
	return []any{
		t.TaskID, t.From, t.To, t.Content, string(t.Status), nullString(t.Result),
		t.CreatedAt.UTC().Format(time.RFC3339), nullTime(t.CompletedAt),
		t.ChatID, t.MessageID, t.ConversationID, nullString(t.ParentTaskID), t.ResultMessageID,
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *SQLiteStore) SaveBacklogEntry(ctx context.Context, e *BacklogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_tasks (agent_name, task_id, position) VALUES (?, ?, ?)
		ON CONFLICT(agent_name, task_id) DO NOTHING
	`, e.AgentName, e.TaskID, e.Position)
	if err != nil {
		return fmt.Errorf("saving backlog entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveBacklogEntry(ctx context.Context, agentName, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_tasks WHERE agent_name = ? AND task_id = ?`, agentName, taskID)
	if err != nil {
		return fmt.Errorf("removing backlog entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAllNonTerminal(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_user, to_agent, content, status, result, created_at, completed_at,
			chat_id, message_id, conversation_id, parent_task_id, result_message_id
		FROM tasks
		WHERE status NOT IN ('completed', 'failed', 'rejected', 'cancelled')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying non-terminal tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) FindRecent(ctx context.Context, agentName string, limit int) ([]*Task, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	var rows *sql.Rows
	var err error
	if agentName != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, from_user, to_agent, content, status, result, created_at, completed_at,
				chat_id, message_id, conversation_id, parent_task_id, result_message_id
			FROM tasks WHERE to_agent = ? ORDER BY created_at DESC LIMIT ?
		`, agentName, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, from_user, to_agent, content, status, result, created_at, completed_at,
				chat_id, message_id, conversation_id, parent_task_id, result_message_id
			FROM tasks ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		var status, createdAt string
		var result, completedAt, parentTaskID sql.NullString
		if err := rows.Scan(&t.TaskID, &t.From, &t.To, &t.Content, &status, &result, &createdAt,
			&completedAt, &t.ChatID, &t.MessageID, &t.ConversationID, &parentTaskID,
			&t.ResultMessageID); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.Result = result.String
		t.ParentTaskID = parentTaskID.String
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if completedAt.Valid {
			ts, err := time.Parse(time.RFC3339, completedAt.String)
			if err == nil {
				t.CompletedAt = &ts
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadBacklog(ctx context.Context) ([]*BacklogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, task_id, position FROM pending_tasks ORDER BY agent_name, position
	`)
	if err != nil {
		return nil, fmt.Errorf("querying backlog: %w", err)
	}
	defer rows.Close()

	var out []*BacklogEntry
	for rows.Next() {
		var e BacklogEntry
		if err := rows.Scan(&e.AgentName, &e.TaskID, &e.Position); err != nil {
			return nil, fmt.Errorf("scanning backlog entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertPanel(ctx context.Context, p *PanelPointer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_panels (chat_id, message_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET message_id = excluded.message_id, updated_at = excluded.updated_at
	`, p.ChatID, p.MessageID, p.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting panel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadPanels(ctx context.Context) ([]*PanelPointer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, message_id, updated_at FROM status_panels`)
	if err != nil {
		return nil, fmt.Errorf("querying panels: %w", err)
	}
	defer rows.Close()

	var out []*PanelPointer
	for rows.Next() {
		var p PanelPointer
		var updatedAt string
		if err := rows.Scan(&p.ChatID, &p.MessageID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning panel: %w", err)
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

var (
	_ CredentialRepo = (*SQLiteStore)(nil)
	_ TaskRepo       = (*SQLiteStore)(nil)
	_ Migrator       = (*SQLiteStore)(nil)
)
