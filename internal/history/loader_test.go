package history

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/agentdeck/internal/domain"
)

func writeTranscript(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".ndjson"), []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func TestLoadSkipsMetadataFirstLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTranscript(t, dir, "demo", `{"name":"demo","work_dir":"/tmp","created":100}
{"role":"user","content":"hello","source":"user","created":101}
{"role":"assistant","content":"hi there","source":"stream","created":102}
`)

	loader := NewLoader(dir, slog.Default())
	msgs, err := loader.Load("demo")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v, want user/hello", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "hi there" {
		t.Errorf("second message = %+v, want assistant/hi there", msgs[1])
	}
	if msgs[0].Timestamp.Unix() != 101 {
		t.Errorf("timestamp = %v, want unix 101", msgs[0].Timestamp)
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTranscript(t, dir, "broken", `{"name":"broken","created":100}
{"role":"user","content":"one"}
{not valid json at all
{"role":"assistant","content":"two"}
{"role":"assistant"}
{"role":"assistant","content":"three"}
`)

	loader := NewLoader(dir, slog.Default())
	msgs, err := loader.Load("broken")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3 (malformed and empty entries skipped)", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestLoadFlattensFragmentContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTranscript(t, dir, "frags", `{"name":"frags"}
{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"toolRequest"},{"type":"text","text":"part two"}]}
`)

	loader := NewLoader(dir, slog.Default())
	msgs, err := loader.Load("frags")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	want := "part one\npart two"
	if msgs[0].Content != want {
		t.Errorf("content = %q, want %q", msgs[0].Content, want)
	}
}

func TestLoadMissingTranscriptReturnsEmpty(t *testing.T) {
	t.Parallel()

	loader := NewLoader(t.TempDir(), slog.Default())
	msgs, err := loader.Load("never-existed")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0", len(msgs))
	}
}

func TestLoadDefaultsTimestampToNow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTranscript(t, dir, "nots", `{"name":"nots"}
{"role":"user","content":"no created field"}
`)

	loader := NewLoader(dir, slog.Default())
	msgs, err := loader.Load("nots")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp should default to now, got zero value")
	}
}
