package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"niolab/internal/domain"
)

// RunRecord is one persisted orchestration run.
type RunRecord struct {
	RunID         string    `json:"runId"`
	CreatedAt     time.Time `json:"createdAt"`
	UserInput     string    `json:"userInput"`
	Method        string    `json:"method"`
	Reasoning     string    `json:"reasoning"`
	ExpertIDs     []string  `json:"experts"`
	Succeeded     bool      `json:"success"`
	FinalResponse string    `json:"finalResponse,omitempty"`
	ErrorMessage  string    `json:"error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	created_at     INTEGER NOT NULL,
	user_input     TEXT NOT NULL,
	method         TEXT NOT NULL,
	reasoning      TEXT NOT NULL DEFAULT '',
	expert_ids     TEXT NOT NULL DEFAULT '[]',
	succeeded      INTEGER NOT NULL,
	final_response TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Store persists orchestration runs in a local SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the run history database at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Save records one finished orchestration run.
func (s *Store) Save(ctx context.Context, userInput string, result *domain.OrchestrationResult) error {
	ids, err := json.Marshal(result.Routing.ExpertIDs)
	if err != nil {
		return fmt.Errorf("marshal expert ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, user_input, method, reasoning, expert_ids, succeeded, final_response, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.StartedAt.Unix(),
		userInput,
		result.Routing.Method,
		result.Routing.Reasoning,
		string(ids),
		boolToInt(result.Succeeded),
		result.FinalResponse,
		result.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Recent returns the newest runs, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, user_input, method, reasoning, expert_ids, succeeded, final_response, error
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec       RunRecord
			createdAt int64
			ids       string
			succeeded int
		)
		if err := rows.Scan(&rec.RunID, &createdAt, &rec.UserInput, &rec.Method,
			&rec.Reasoning, &ids, &succeeded, &rec.FinalResponse, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.Succeeded = succeeded != 0
		if err := json.Unmarshal([]byte(ids), &rec.ExpertIDs); err != nil {
			s.logger.Warn("run has corrupt expert id list", "run_id", rec.RunID, "error", err)
			rec.ExpertIDs = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes runs older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned old runs", "count", n)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
