// Package recipe provides the session template resolver.
package recipe

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// Resolver looks up session templates by identifier.
type Resolver interface {
	// GetRecipeByID returns the recipe descriptor, or nil when no template
	// with that id exists.
	GetRecipeByID(id string) *domain.Recipe
}

// FileStore is a Resolver backed by a directory of JSON recipe files, one
// recipe per file. The directory is watched so edits take effect without a
// restart.
type FileStore struct {
	dir     string
	mu      sync.RWMutex
	recipes map[string]*domain.Recipe
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewFileStore loads all recipes under dir and starts watching it.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recipe directory: %w", err)
	}

	fs := &FileStore{
		dir:     dir,
		recipes: make(map[string]*domain.Recipe),
		done:    make(chan struct{}),
		logger:  logger,
	}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create recipe watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch recipe directory: %w", err)
	}
	fs.watcher = watcher

	fs.wg.Add(1)
	go fs.watch()

	logger.Info("[RECIPE] Template store loaded", "dir", dir, "recipes", len(fs.recipes))
	return fs, nil
}

// GetRecipeByID returns the recipe descriptor, or nil when absent.
func (fs *FileStore) GetRecipeByID(id string) *domain.Recipe {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	r, ok := fs.recipes[id]
	if !ok {
		return nil
	}
	// Copy so callers cannot mutate the cached descriptor.
	cp := *r
	return &cp
}

// List returns all known recipes.
func (fs *FileStore) List() []*domain.Recipe {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*domain.Recipe, 0, len(fs.recipes))
	for _, r := range fs.recipes {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Close stops the directory watcher.
func (fs *FileStore) Close() error {
	close(fs.done)
	var err error
	if fs.watcher != nil {
		err = fs.watcher.Close()
	}
	fs.wg.Wait()
	return err
}

func (fs *FileStore) watch() {
	defer fs.wg.Done()
	for {
		select {
		case <-fs.done:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Reload the whole directory: recipe sets are small and a full
			// scan side-steps rename/partial-write ordering.
			if err := fs.reload(); err != nil {
				fs.logger.Warn("[RECIPE] Reload after change failed", "event", event.Name, "error", err)
				continue
			}
			fs.logger.Info("[RECIPE] Templates reloaded", "trigger", filepath.Base(event.Name))
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("[RECIPE] Watcher error", "error", err)
		}
	}
}

func (fs *FileStore) reload() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("read recipe directory: %w", err)
	}

	recipes := make(map[string]*domain.Recipe)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(fs.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			fs.logger.Warn("[RECIPE] Skipping unreadable file", "path", path, "error", err)
			continue
		}
		var r domain.Recipe
		if err := json.Unmarshal(data, &r); err != nil {
			fs.logger.Warn("[RECIPE] Skipping malformed file", "path", path, "error", err)
			continue
		}
		if r.ID == "" {
			r.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		recipes[r.ID] = &r
	}

	fs.mu.Lock()
	fs.recipes = recipes
	fs.mu.Unlock()
	return nil
}
