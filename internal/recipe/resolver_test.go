package recipe

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRecipe(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write recipe file: %v", err)
	}
}

func TestFileStoreLoadsRecipes(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "reviewer.json", `{
		"id": "reviewer",
		"title": "Code Reviewer",
		"instructions": "Review the diff.",
		"extensions": ["developer"],
		"env_keys": ["OPENAI_API_KEY"]
	}`)
	writeRecipe(t, dir, "unnamed.json", `{"title": "No explicit id"}`)

	fs, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	r := fs.GetRecipeByID("reviewer")
	if r == nil {
		t.Fatal("reviewer recipe not loaded")
	}
	if r.Title != "Code Reviewer" || len(r.EnvKeys) != 1 {
		t.Errorf("recipe = %+v", r)
	}

	// Files without an id fall back to the file name.
	if fs.GetRecipeByID("unnamed") == nil {
		t.Error("recipe without explicit id not resolvable by file name")
	}

	if fs.GetRecipeByID("ghost") != nil {
		t.Error("unknown id should resolve to nil")
	}
	if got := len(fs.List()); got != 2 {
		t.Errorf("List returned %d recipes, want 2", got)
	}
}

func TestFileStoreSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "good.json", `{"id": "good"}`)
	writeRecipe(t, dir, "bad.json", `{not json`)
	writeRecipe(t, dir, "ignored.txt", `not a recipe`)

	fs, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	if fs.GetRecipeByID("good") == nil {
		t.Error("well-formed recipe lost to a malformed sibling")
	}
	if got := len(fs.List()); got != 1 {
		t.Errorf("List returned %d recipes, want 1", got)
	}
}

func TestFileStoreReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	if fs.GetRecipeByID("late") != nil {
		t.Fatal("recipe present before being written")
	}

	writeRecipe(t, dir, "late.json", `{"id": "late", "title": "Added at runtime"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs.GetRecipeByID("late") != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recipe added at runtime never became visible")
}

func TestGetRecipeByIDReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "r.json", `{"id": "r", "title": "Original"}`)

	fs, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	first := fs.GetRecipeByID("r")
	first.Title = "Mutated"

	if fs.GetRecipeByID("r").Title != "Original" {
		t.Error("caller mutation leaked into the cached recipe")
	}
}
