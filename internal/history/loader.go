// Package history reconstructs prior conversations from persisted
// per-session transcript logs so a resumed session can go live with its
// full message list already in place.
//
// A transcript is append-only NDJSON: the first line is a metadata record
// (no role or content), every following line is one message. Message content
// is either a plain string or a list of typed fragments, of which only the
// text-bearing ones contribute to the reconstructed message.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
)

// maxLineSize bounds a single transcript line. Agent answers can be large
// but a line beyond this is almost certainly corruption.
const maxLineSize = 4 * 1024 * 1024

// Entry is one raw transcript line.
type Entry struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Source  string          `json:"source,omitempty"`
	Created int64           `json:"created,omitempty"`
}

// fragment is one element of structured message content.
type fragment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Loader reads persisted transcripts from a directory keyed by session name.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader over the given transcript directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// Path returns the transcript file path for a session name.
func (l *Loader) Path(sessionName string) string {
	return filepath.Join(l.dir, sessionName+".ndjson")
}

// Load reconstructs the ordered message list for a session. A missing
// transcript yields an empty list; a malformed line is skipped with a
// warning rather than aborting the whole load.
func (l *Loader) Load(sessionName string) ([]domain.Message, error) {
	f, err := os.Open(l.Path(sessionName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("[HISTORY] Failed to close transcript", "session", sessionName, "error", closeErr)
		}
	}()

	var messages []domain.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			l.logger.Warn("[HISTORY] Skipping malformed transcript line",
				"session", sessionName,
				"line", lineNo,
				"error", err,
			)
			continue
		}

		// The first record carries only descriptive metadata. It has no role
		// and no content, so the message checks below skip it naturally.
		content, ok := flattenContent(entry.Content)
		if entry.Role == "" || !ok {
			if lineNo > 1 {
				l.logger.Warn("[HISTORY] Skipping entry without role or content",
					"session", sessionName,
					"line", lineNo,
				)
			}
			continue
		}

		ts := time.Now()
		if entry.Created > 0 {
			ts = time.Unix(entry.Created, 0)
		}

		source := entry.Source
		if source == "" {
			source = domain.SourceHistory
		}

		messages = append(messages, domain.Message{
			Role:        domain.Role(entry.Role),
			Content:     content,
			Timestamp:   ts,
			Source:      source,
			SessionName: sessionName,
		})
	}

	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("scan transcript: %w", err)
	}

	l.logger.Info("[HISTORY] Transcript loaded", "session", sessionName, "messages", len(messages))
	return messages, nil
}

// flattenContent turns a content field into plain text. Plain strings pass
// through; fragment lists are joined from their text-bearing elements in
// order. Returns false when no usable content exists.
func flattenContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	var fragments []fragment
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return "", false
	}

	var parts []string
	for _, fr := range fragments {
		if fr.Text != "" {
			parts = append(parts, fr.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
