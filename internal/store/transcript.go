package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
)

// transcriptQueueSize bounds pending writes. Appends block rather than drop
// when the queue is full: a transcript with holes cannot be resumed faithfully.
const transcriptQueueSize = 1024

// metadataRecord is the first line of every transcript. It carries no role
// and no content, which is how the history loader tells it apart from
// message records.
type metadataRecord struct {
	Name     string `json:"name"`
	WorkDir  string `json:"work_dir,omitempty"`
	RecipeID string `json:"recipe_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Created  int64  `json:"created"`
}

// messageRecord is one persisted message line.
type messageRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
	Created int64  `json:"created"`
}

type transcriptJob struct {
	sessionName string
	line        []byte
	done        chan struct{} // non-nil for flush barriers
}

// TranscriptWriter appends NDJSON conversation records to per-session files.
// Writes go through a single background worker so callers on the session
// event path never block on disk I/O ordering.
type TranscriptWriter struct {
	dir       string
	queue     chan transcriptJob
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewTranscriptWriter creates the transcript directory and starts the
// background writer.
func NewTranscriptWriter(dir string, logger *slog.Logger) (*TranscriptWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	w := &TranscriptWriter{
		dir:    dir,
		queue:  make(chan transcriptJob, transcriptQueueSize),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Path returns the transcript file path for a session name.
func (w *TranscriptWriter) Path(sessionName string) string {
	return filepath.Join(w.dir, sessionName+".ndjson")
}

// EnsureSession writes the metadata first line if the transcript does not
// exist yet. Called synchronously at session creation so the file is in
// place before any message can be appended.
func (w *TranscriptWriter) EnsureSession(sctx domain.SessionContext) error {
	path := w.Path(sctx.Name)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat transcript: %w", err)
	}

	meta := metadataRecord{
		Name:     sctx.Name,
		WorkDir:  sctx.WorkDir,
		RecipeID: sctx.RecipeID,
		Provider: sctx.Provider,
		Model:    sctx.Model,
		Created:  time.Now().Unix(),
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal transcript metadata: %w", err)
	}
	if err := appendLine(path, line); err != nil {
		return fmt.Errorf("write transcript metadata: %w", err)
	}
	w.logger.Info("[TRANSCRIPT] Session transcript created", "session", sctx.Name, "path", path)
	return nil
}

// Append queues one message for the session's transcript.
func (w *TranscriptWriter) Append(ctx context.Context, sessionName string, msg domain.Message) error {
	rec := messageRecord{
		Role:    string(msg.Role),
		Content: msg.Content,
		Source:  msg.Source,
		Created: msg.Timestamp.Unix(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transcript message: %w", err)
	}

	select {
	case w.queue <- transcriptJob{sessionName: sessionName, line: line}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue transcript message: %w", ctx.Err())
	}
}

// Flush blocks until every message queued before the call has been written.
func (w *TranscriptWriter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case w.queue <- transcriptJob{done: done}:
	case <-ctx.Done():
		return fmt.Errorf("queue transcript flush: %w", ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await transcript flush: %w", ctx.Err())
	}
}

// Close drains the queue and stops the writer.
func (w *TranscriptWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
	return nil
}

func (w *TranscriptWriter) run() {
	defer w.wg.Done()
	for job := range w.queue {
		if job.done != nil {
			close(job.done)
			continue
		}
		if err := appendLine(w.Path(job.sessionName), job.line); err != nil {
			w.logger.Error("[TRANSCRIPT] Failed to append message",
				"session", job.sessionName,
				"error", err,
			)
		}
	}
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}
