package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/commitbot/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers from concurrent tasks and HTTP handlers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID returns a new lexically sortable run ID.
func NewID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const runColumns = `id, repo_owner, repo_name, event_kind, commit_id, branch, base_branch, pr_number, pr_title,
	run_type, skip_reason, status, summary, metrics_json, publications_json, retry_of, created_at, finished_at`

// CreateRun inserts a run and any task outcomes it already carries. It assigns an ID
// and creation time when they are unset.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}

	metrics, pubs, err := encodeRunJSON(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Repo.Owner, r.Repo.Name, string(r.EventKind), r.CommitID, r.Branch, r.BaseBranch,
		r.PRNumber, r.PRTitle, string(r.RunType), r.SkipReason, string(r.Status), r.Summary,
		metrics, pubs, r.RetryOf, r.CreatedAt.UTC(), nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	for _, o := range r.Tasks {
		if err := upsertTask(ctx, tx, r.ID, o); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// FinishRun writes the mutable run-level fields: status, summary, metrics,
// publications and finish time.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *models.Run) error {
	metrics, pubs, err := encodeRunJSON(r)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, summary=?, metrics_json=?, publications_json=?, finished_at=?
		WHERE id=?`,
		string(r.Status), r.Summary, metrics, pubs, nullTime(r.FinishedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return runs[0], nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Repo != "" {
		owner, name, _ := strings.Cut(filter.Repo, "/")
		query += " AND repo_owner = ? AND repo_name = ?"
		args = append(args, owner, name)
	}
	if filter.PRNumber > 0 {
		query += " AND pr_number = ?"
		args = append(args, filter.PRNumber)
	}
	if filter.CommitID != "" {
		query += " AND commit_id = ?"
		args = append(args, filter.CommitID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListStuckRuns returns runs still marked running that started before the cutoff,
// oldest first.
func (s *SQLiteStore) ListStuckRuns(ctx context.Context, startedBefore time.Time) ([]*models.Run, error) {
	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(models.RunStatusRunning), startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stuck runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) CountRunsByStatus(ctx context.Context, since time.Time) (map[models.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[models.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Tasks ---

// UpsertTask writes one task outcome. A second write for the same task replaces it.
func (s *SQLiteStore) UpsertTask(ctx context.Context, runID string, o models.TaskOutcome) error {
	return upsertTask(ctx, s.db, runID, o)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTask(ctx context.Context, db execer, runID string, o models.TaskOutcome) error {
	usage, err := json.Marshal(o.Usage)
	if err != nil {
		return fmt.Errorf("encode task usage: %w", err)
	}
	finished := o.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO run_tasks (run_id, task_name, status, error_kind, error_reason, message, usage_json, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_name) DO UPDATE SET
			status=excluded.status, error_kind=excluded.error_kind, error_reason=excluded.error_reason,
			message=excluded.message, usage_json=excluded.usage_json, finished_at=excluded.finished_at`,
		runID, string(o.Task), string(o.Status), string(o.ErrorKind), string(o.ErrorReason),
		o.Message, string(usage), finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s/%s: %w", runID, o.Task, err)
	}
	return nil
}

// queryRuns scans runs, then loads their tasks in a second query. Rows are closed
// before the task query because the pool holds a single connection.
func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.loadTasks(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, runs []*models.Run) error {
	if len(runs) == 0 {
		return nil
	}

	byID := make(map[string]*models.Run, len(runs))
	placeholders := make([]string, 0, len(runs))
	args := make([]any, 0, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
		placeholders = append(placeholders, "?")
		args = append(args, r.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_name, status, error_kind, error_reason, message, usage_json, finished_at
		FROM run_tasks WHERE run_id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var runID, task, status, kind, reason, usage string
		var o models.TaskOutcome
		if err := rows.Scan(&runID, &task, &status, &kind, &reason, &o.Message, &usage, &o.FinishedAt); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		o.Task = models.TaskName(task)
		o.Status = models.TaskStatus(status)
		o.ErrorKind = models.ErrorKind(kind)
		o.ErrorReason = models.ErrorReason(reason)
		if err := json.Unmarshal([]byte(usage), &o.Usage); err != nil {
			return fmt.Errorf("decode task usage: %w", err)
		}
		if r, ok := byID[runID]; ok {
			r.Tasks[o.Task] = o
		}
	}
	return rows.Err()
}

func scanRun(rows *sql.Rows) (*models.Run, error) {
	r := &models.Run{Tasks: make(map[models.TaskName]models.TaskOutcome)}
	var eventKind, runType, status, metrics, pubs string
	var finishedAt sql.NullTime

	err := rows.Scan(&r.ID, &r.Repo.Owner, &r.Repo.Name, &eventKind, &r.CommitID, &r.Branch, &r.BaseBranch,
		&r.PRNumber, &r.PRTitle, &runType, &r.SkipReason, &status, &r.Summary,
		&metrics, &pubs, &r.RetryOf, &r.CreatedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.EventKind = models.EventKind(eventKind)
	r.RunType = models.RunType(runType)
	r.Status = models.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("decode run metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(pubs), &r.Publications); err != nil {
		return nil, fmt.Errorf("decode run publications: %w", err)
	}
	return r, nil
}

func encodeRunJSON(r *models.Run) (metrics, pubs string, err error) {
	m, err := json.Marshal(r.Metrics)
	if err != nil {
		return "", "", fmt.Errorf("encode run metrics: %w", err)
	}
	p := r.Publications
	if p == nil {
		p = []models.Publication{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("encode run publications: %w", err)
	}
	return string(m), string(pb), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
