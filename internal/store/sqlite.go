package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/history"
	"github.com/ashureev/agentdeck/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite for the session registry
// and NDJSON transcript files for messages.
type SQLiteStore struct {
	db          *sql.DB
	transcripts *TranscriptWriter
	loader      *history.Loader
	logger      *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository with transcripts under
// transcriptDir.
func NewSQLite(dbPath, transcriptDir string, logger *slog.Logger) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	transcripts, err := NewTranscriptWriter(transcriptDir, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize transcript writer: %w", err)
	}

	store := &SQLiteStore{
		db:          db,
		transcripts: transcripts,
		loader:      history.NewLoader(transcriptDir, logger),
		logger:      logger,
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		work_dir TEXT NOT NULL,
		extensions_json TEXT NOT NULL DEFAULT '[]',
		recipe_id TEXT,
		provider TEXT,
		model TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateOrGetSession creates the session record if missing and returns the
// stored context. The transcript metadata line is written alongside so the
// history loader always finds a well-formed file.
func (s *SQLiteStore) CreateOrGetSession(ctx context.Context, sctx domain.SessionContext) (*domain.SessionContext, error) {
	extensions, err := json.Marshal(sctx.Extensions)
	if err != nil {
		return nil, fmt.Errorf("marshal extensions: %w", err)
	}

	now := time.Now().Unix()
	query := `
	INSERT INTO sessions (name, work_dir, extensions_json, recipe_id, provider, model, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO NOTHING`

	status := sctx.Status
	if status == "" {
		status = domain.StatusCreated
	}

	_, err = s.db.ExecContext(ctx, query,
		sctx.Name, sctx.WorkDir, string(extensions),
		nullable(sctx.RecipeID), nullable(sctx.Provider), nullable(sctx.Model),
		string(status), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	stored, err := s.GetSessionContext(ctx, sctx.Name)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("session %q missing after insert", sctx.Name)
	}

	if err := s.transcripts.EnsureSession(*stored); err != nil {
		return nil, fmt.Errorf("ensure transcript: %w", err)
	}
	return stored, nil
}

// GetSessionContext retrieves the persisted launch context for a session.
func (s *SQLiteStore) GetSessionContext(ctx context.Context, name string) (*domain.SessionContext, error) {
	query := `
		SELECT name, work_dir, extensions_json, recipe_id, provider, model, status, created_at, updated_at
		FROM sessions WHERE name = ?`

	row := s.db.QueryRowContext(ctx, query, name)
	sctx, err := scanSessionContext(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sctx, nil
}

// ListSessions returns all recorded sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionContext, error) {
	query := `
		SELECT name, work_dir, extensions_json, recipe_id, provider, model, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.SessionContext
	for rows.Next() {
		sctx, err := scanSessionContext(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *sctx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus records the session's lifecycle status. Retries with
// exponential backoff on SQLite concurrency errors.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, name string, status domain.Status) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		query := `UPDATE sessions SET status = ?, updated_at = ? WHERE name = ?`
		result, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), name)
		if err == nil {
			rows, raErr := result.RowsAffected()
			if raErr != nil {
				return fmt.Errorf("get rows affected: %w", raErr)
			}
			if rows == 0 {
				s.logger.Warn("UpdateSessionStatus affected 0 rows", "session", name, "status", status)
			}
			return nil
		}
		lastErr = err
		if !shared.IsSQLiteConflictError(err) {
			break
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			s.logger.Debug("UpdateSessionStatus hit SQLITE_BUSY, retrying",
				"session", name,
				"attempt", i+1,
				"delay", delay,
			)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("update session status: %w", lastErr)
}

// AppendMessage appends one message to the session's transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionName string, msg domain.Message) error {
	return s.transcripts.Append(ctx, sessionName, msg)
}

// GetMessages returns the full message list for a session. Pending transcript
// writes are flushed first so callers always see a consistent prefix.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionName string) ([]domain.Message, error) {
	if err := s.transcripts.Flush(ctx); err != nil {
		return nil, err
	}
	return s.loader.Load(sessionName)
}

// Close closes the transcript writer and the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.transcripts.Close(); err != nil {
		return fmt.Errorf("close transcripts: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanSessionContext(scan func(dest ...any) error) (*domain.SessionContext, error) {
	var sctx domain.SessionContext
	var extensionsJSON, status string
	var recipeID, provider, model sql.NullString
	var createdAt, updatedAt int64

	err := scan(
		&sctx.Name, &sctx.WorkDir, &extensionsJSON,
		&recipeID, &provider, &model,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(extensionsJSON), &sctx.Extensions); err != nil {
		return nil, fmt.Errorf("unmarshal extensions: %w", err)
	}
	sctx.RecipeID = recipeID.String
	sctx.Provider = provider.String
	sctx.Model = model.String
	sctx.Status = domain.Status(status)
	sctx.CreatedAt = time.Unix(createdAt, 0)
	sctx.UpdatedAt = time.Unix(updatedAt, 0)
	return &sctx, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
