// Package coordinator manages the set of live agent sessions: one wrapped
// process per session, one active session whose stream reaches the UI.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/recipe"
	"github.com/ashureev/agentdeck/internal/runner"
	"github.com/ashureev/agentdeck/internal/secrets"
	"github.com/ashureev/agentdeck/internal/store"
)

// outBufferSize bounds events queued for the UI. The hub consumes promptly;
// overflow is dropped rather than allowed to stall session processing.
const outBufferSize = 512

// persistTimeout bounds background store writes made from the event path.
const persistTimeout = 5 * time.Second

var (
	// ErrNoActiveSession is returned by operations that target the active
	// session when none is selected.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionNotFound is returned when a named session is neither live nor
	// recorded.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose name is
	// already live.
	ErrSessionExists = errors.New("session already exists")
)

// procHandle is the coordinator's view of one wrapped agent process.
// *runner.Wrapper satisfies it; tests substitute fakes.
type procHandle interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	SendMessage(text string) error
	Interrupt() error
	Stop()
	ForceStop()
	Events() <-chan runner.Event
	SessionName() string
}

// managedSession pairs a live process handle with its in-memory message
// cache. The cache is what a switch snapshot returns; it mirrors the
// persisted transcript for the lifetime of the process.
type managedSession struct {
	id      string
	name    string
	wrapper procHandle
	cache   []domain.Message
	status  domain.Status
}

// CreateRequest carries the launch context for a new session.
type CreateRequest struct {
	Name       string   `json:"name"`
	WorkDir    string   `json:"work_dir"`
	Extensions []string `json:"extensions,omitempty"`
	RecipeID   string   `json:"recipe_id,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// Coordinator owns all live sessions and the active-session selection.
//
// Locking discipline: co.mu guards only the session map, caches, and the
// active name. Wrapper methods are never called with co.mu held; the event
// consumer acquires co.mu only after receiving from the wrapper channel.
type Coordinator struct {
	repo    store.Repository
	recipes recipe.Resolver
	secrets secrets.Injector
	cfg     *config.Config
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
	active   string

	out chan runner.Event

	// newWrapper builds a process handle; replaced in tests.
	newWrapper func(opts runner.Options) procHandle
}

// New creates a coordinator with no live sessions.
func New(repo store.Repository, recipes recipe.Resolver, injector secrets.Injector, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:     repo,
		recipes:  recipes,
		secrets:  injector,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*managedSession),
		out:      make(chan runner.Event, outBufferSize),
		newWrapper: func(opts runner.Options) procHandle {
			return runner.New(opts)
		},
	}
}

// Events returns the stream the UI layer consumes: messages and lifecycle
// events of the active session plus lifecycle events of background sessions.
func (c *Coordinator) Events() <-chan runner.Event {
	return c.out
}

// ActiveSession returns the name of the active session, or empty.
func (c *Coordinator) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CreateSession registers a session and makes it the active one without
// starting its process. Metadata is durably recorded first, so a later start
// failure loses nothing. StartSession launches the process.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	if req.Name == "" {
		return nil, errors.New("session name is required")
	}

	c.mu.Lock()
	if _, live := c.sessions[req.Name]; live {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.Name)
	}
	c.mu.Unlock()

	var rec *domain.Recipe
	if req.RecipeID != "" {
		rec = c.recipes.GetRecipeByID(req.RecipeID)
		if rec == nil {
			return nil, fmt.Errorf("recipe %q not found", req.RecipeID)
		}
	}

	sctx := domain.SessionContext{
		Name:       req.Name,
		WorkDir:    req.WorkDir,
		Extensions: req.Extensions,
		RecipeID:   req.RecipeID,
		Provider:   req.Provider,
		Model:      req.Model,
		Status:     domain.StatusCreated,
		CreatedAt:  time.Now(),
	}
	stored, err := c.repo.CreateOrGetSession(ctx, sctx)
	if err != nil {
		return nil, fmt.Errorf("persist session %s: %w", req.Name, err)
	}

	ms, err := c.register(stored, rec, false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active = stored.Name
	session := c.sessionViewLocked(ms)
	c.mu.Unlock()
	c.logger.Info("[COORD] Session created", "session", stored.Name, "id", ms.id)
	return session, nil
}

// StartSession launches the agent process for a created session. Starting an
// already-running session returns its current view unchanged. A recorded
// session with no live wrapper, say after an earlier start failure, is
// re-registered from its stored context and started fresh.
func (c *Coordinator) StartSession(ctx context.Context, name string) (*domain.Session, error) {
	c.mu.Lock()
	if ms, live := c.sessions[name]; live {
		if ms.status != domain.StatusCreated {
			session := c.sessionViewLocked(ms)
			c.mu.Unlock()
			return session, nil
		}
		ms.status = domain.StatusStarting
		c.mu.Unlock()
		return c.start(ctx, ms, false)
	}
	c.mu.Unlock()

	sctx, err := c.repo.GetSessionContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load session context %s: %w", name, err)
	}
	if sctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	var rec *domain.Recipe
	if sctx.RecipeID != "" {
		rec = c.recipes.GetRecipeByID(sctx.RecipeID)
		if rec == nil {
			c.logger.Warn("[COORD] Recipe missing on start, continuing degraded",
				"session", name, "recipe_id", sctx.RecipeID)
		}
	}

	ms, err := c.register(sctx, rec, false)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, ms, false)
}

// ResumeSession restarts a recorded session from its persisted launch
// context. Resuming an already-live session just switches to it; no second
// process is spawned.
func (c *Coordinator) ResumeSession(ctx context.Context, name string) (*domain.Session, []domain.Message, error) {
	c.mu.Lock()
	if ms, live := c.sessions[name]; live {
		c.active = name
		session := c.sessionViewLocked(ms)
		snapshot := append([]domain.Message(nil), ms.cache...)
		c.mu.Unlock()
		c.logger.Info("[COORD] Resume of live session treated as switch", "session", name)
		return session, snapshot, nil
	}
	c.mu.Unlock()

	sctx, err := c.repo.GetSessionContext(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("load session context %s: %w", name, err)
	}
	if sctx == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	var rec *domain.Recipe
	if sctx.RecipeID != "" {
		rec = c.recipes.GetRecipeByID(sctx.RecipeID)
		if rec == nil {
			// The recipe may have been removed since the session was created.
			// The session still resumes, just without its recipe environment.
			c.logger.Warn("[COORD] Recipe missing on resume, continuing degraded",
				"session", name, "recipe_id", sctx.RecipeID)
		}
	}

	history, err := c.repo.GetMessages(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("load history for %s: %w", name, err)
	}

	ms, err := c.register(sctx, rec, true)
	if err != nil {
		return nil, nil, err
	}

	// Seed the cache before the process starts so replayed events append
	// after the restored history instead of racing its installation.
	c.mu.Lock()
	ms.cache = append([]domain.Message(nil), history...)
	c.mu.Unlock()

	session, err := c.start(ctx, ms, true)
	if err != nil {
		return nil, nil, err
	}
	return session, history, nil
}

// register builds the wrapper for a stored context and adds it to the live
// set without starting the process.
func (c *Coordinator) register(sctx *domain.SessionContext, rec *domain.Recipe, resume bool) (*managedSession, error) {
	env, report := c.secrets.Resolve(rec)

	ms := &managedSession{
		id:     uuid.NewString(),
		name:   sctx.Name,
		status: domain.StatusCreated,
	}
	if len(report.Missing) > 0 {
		c.logger.Warn("[COORD] Registering with unresolved credentials",
			"session", sctx.Name, "missing", report.Missing)
		c.forward(runner.Event{
			Type:        runner.EventError,
			SessionID:   ms.id,
			SessionName: sctx.Name,
			Err:         "missing credentials: " + strings.Join(report.Missing, ", "),
		})
	}
	ms.wrapper = c.newWrapper(runner.Options{
		SessionID:   ms.id,
		SessionName: sctx.Name,
		WorkDir:     sctx.WorkDir,
		Extensions:  sctx.Extensions,
		Recipe:      rec,
		RecipeEnv:   env,
		Provider:    sctx.Provider,
		Model:       sctx.Model,
		Resume:      resume,
		AgentBin:    c.cfg.AgentBin,
		Runner:      c.cfg.Runner,
		Logger:      c.logger,
	})

	c.mu.Lock()
	if _, raced := c.sessions[sctx.Name]; raced {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sctx.Name)
	}
	c.sessions[sctx.Name] = ms
	c.mu.Unlock()
	return ms, nil
}

// start launches a registered session's process and wires its event stream.
// On failure no live session is left behind.
func (c *Coordinator) start(ctx context.Context, ms *managedSession, resume bool) (*domain.Session, error) {
	if resume {
		c.persistStatus(ms.name, domain.StatusResuming)
	} else {
		c.persistStatus(ms.name, domain.StatusStarting)
	}

	if err := ms.wrapper.Start(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessions, ms.name)
		c.mu.Unlock()
		c.persistStatus(ms.name, domain.StatusStopped)
		return nil, fmt.Errorf("start session %s: %w", ms.name, err)
	}

	go c.consumeEvents(ms)

	c.mu.Lock()
	ms.status = domain.StatusReady
	c.active = ms.name
	session := c.sessionViewLocked(ms)
	c.mu.Unlock()

	c.persistStatus(ms.name, domain.StatusReady)
	c.logger.Info("[COORD] Session live", "session", ms.name, "id", ms.id, "resume", resume)
	return session, nil
}

// SwitchSession makes a live session the active one and returns its cached
// conversation as the snapshot the UI renders. Background sessions keep
// running; only the routing changes.
func (c *Coordinator) SwitchSession(name string) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, live := c.sessions[name]
	if !live {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	c.active = name
	c.logger.Info("[COORD] Active session switched", "session", name)
	return append([]domain.Message(nil), ms.cache...), nil
}

// SendMessage delivers a user message to the active session. The message is
// persisted and echoed to the UI before the process write, so it survives
// even if the process rejects it.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	ms, ok := c.sessions[c.active]
	c.mu.Unlock()
	if !ok {
		return ErrNoActiveSession
	}

	// Wait briefly for readiness, then send anyway. Right after a resume the
	// process may report ready a moment later; the first message should not
	// be dropped because of that.
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Runner.SendReadyWait)
	if err := ms.wrapper.WaitReady(waitCtx); err != nil {
		c.logger.Warn("[COORD] Sending before readiness", "session", ms.name, "error", err)
	}
	cancel()

	msg := domain.Message{
		Role:        domain.RoleUser,
		Content:     text,
		Timestamp:   time.Now(),
		Source:      domain.SourceUser,
		SessionName: ms.name,
	}
	if err := c.repo.AppendMessage(ctx, ms.name, msg); err != nil {
		return fmt.Errorf("persist message for %s: %w", ms.name, err)
	}

	c.mu.Lock()
	ms.cache = append(ms.cache, msg)
	isActive := c.active == ms.name
	c.mu.Unlock()
	if isActive {
		c.forward(runner.Event{
			Type:        runner.EventMessage,
			SessionID:   ms.id,
			SessionName: ms.name,
			Message:     &msg,
		})
	}

	if err := ms.wrapper.SendMessage(text); err != nil {
		return fmt.Errorf("send to session %s: %w", ms.name, err)
	}
	c.persistStatus(ms.name, domain.StatusProcessing)
	return nil
}

// Interrupt cancels the active session's in-flight turn.
func (c *Coordinator) Interrupt() error {
	c.mu.Lock()
	ms, ok := c.sessions[c.active]
	c.mu.Unlock()
	if !ok {
		return ErrNoActiveSession
	}
	return ms.wrapper.Interrupt()
}

// StopSession gracefully shuts down a live session by name.
func (c *Coordinator) StopSession(name string) error {
	c.mu.Lock()
	ms, live := c.sessions[name]
	c.mu.Unlock()
	if !live {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	c.persistStatus(name, domain.StatusStopping)
	ms.wrapper.Stop()

	// A session stopped before its process ever started has no event stream
	// to drive the usual closed-event cleanup.
	c.mu.Lock()
	if cur, ok := c.sessions[name]; ok && cur == ms && cur.status == domain.StatusCreated {
		delete(c.sessions, name)
		if c.active == name {
			c.active = ""
		}
		c.mu.Unlock()
		c.persistStatus(name, domain.StatusStopped)
		return nil
	}
	c.mu.Unlock()
	return nil
}

// ForceStop terminates the active session with minimal grace.
func (c *Coordinator) ForceStop() error {
	c.mu.Lock()
	ms, ok := c.sessions[c.active]
	c.mu.Unlock()
	if !ok {
		return ErrNoActiveSession
	}

	ms.wrapper.ForceStop()
	return nil
}

// Shutdown stops every live session, gracefully, in parallel.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	live := make([]*managedSession, 0, len(c.sessions))
	for _, ms := range c.sessions {
		live = append(live, ms)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ms := range live {
		wg.Add(1)
		go func(ms *managedSession) {
			defer wg.Done()
			ms.wrapper.Stop()
		}(ms)
	}
	wg.Wait()
	c.logger.Info("[COORD] All sessions stopped", "count", len(live))
}

// ListSessions merges recorded sessions with live process state.
func (c *Coordinator) ListSessions(ctx context.Context) ([]domain.Session, error) {
	recorded, err := c.repo.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]domain.Session, 0, len(recorded))
	for _, sctx := range recorded {
		s := domain.Session{
			Name:       sctx.Name,
			WorkDir:    sctx.WorkDir,
			Extensions: sctx.Extensions,
			RecipeID:   sctx.RecipeID,
			Provider:   sctx.Provider,
			Model:      sctx.Model,
			Status:     sctx.Status,
			CreatedAt:  sctx.CreatedAt,
		}
		if ms, live := c.sessions[sctx.Name]; live {
			s.ID = ms.id
			s.Status = ms.status
		} else if s.Status != domain.StatusStopped {
			// A recorded non-stopped session with no live process was
			// orphaned by a previous server run.
			s.Status = domain.StatusStopped
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// GetMessages returns a session's conversation: the live cache when the
// session is running, the persisted transcript otherwise.
func (c *Coordinator) GetMessages(ctx context.Context, name string) ([]domain.Message, error) {
	c.mu.Lock()
	if ms, live := c.sessions[name]; live {
		snapshot := append([]domain.Message(nil), ms.cache...)
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	return c.repo.GetMessages(ctx, name)
}

// consumeEvents drains one wrapper's event stream until it closes. This is
// the only place background-session output goes: into the store and the
// cache always, to the UI only while the session is active.
func (c *Coordinator) consumeEvents(ms *managedSession) {
	for ev := range ms.wrapper.Events() {
		switch ev.Type {
		case runner.EventMessage:
			if ev.Message.Source == domain.SourceHistory {
				// Replayed prior conversation. The transcript already holds
				// it and the cache was seeded from the transcript at resume;
				// appending again would double the record on every resume.
				continue
			}
			c.persistMessage(ms.name, *ev.Message)
			c.mu.Lock()
			ms.cache = append(ms.cache, *ev.Message)
			isActive := c.active == ms.name
			c.mu.Unlock()
			if isActive {
				c.forward(ev)
			}

		case runner.EventReady:
			c.mu.Lock()
			ms.status = domain.StatusReady
			isActive := c.active == ms.name
			c.mu.Unlock()
			c.persistStatus(ms.name, domain.StatusReady)
			if isActive {
				c.forward(ev)
			}

		case runner.EventInterrupted:
			c.mu.Lock()
			ms.status = domain.StatusInterrupted
			isActive := c.active == ms.name
			c.mu.Unlock()
			c.persistStatus(ms.name, domain.StatusInterrupted)
			if isActive {
				c.forward(ev)
			}

		case runner.EventError:
			c.mu.Lock()
			isActive := c.active == ms.name
			c.mu.Unlock()
			c.logger.Warn("[COORD] Session stream error", "session", ms.name, "error", ev.Err)
			if isActive {
				c.forward(ev)
			}

		case runner.EventClosed:
			c.mu.Lock()
			delete(c.sessions, ms.name)
			wasActive := c.active == ms.name
			if wasActive {
				c.active = ""
			}
			c.mu.Unlock()
			c.persistStatus(ms.name, domain.StatusStopped)
			c.logger.Info("[COORD] Session closed",
				"session", ms.name, "exit_code", ev.ExitCode, "was_active", wasActive)
			// Closure is always forwarded so the UI can reflect background
			// sessions dying.
			c.forward(ev)
		}
	}
}

// forward pushes an event toward the UI. A stalled consumer drops events
// rather than blocking session processing; the transcript remains complete.
func (c *Coordinator) forward(ev runner.Event) {
	select {
	case c.out <- ev:
	default:
		c.logger.Warn("[COORD] UI event dropped, consumer too slow",
			"session", ev.SessionName, "type", ev.Type)
	}
}

func (c *Coordinator) persistMessage(name string, msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.repo.AppendMessage(ctx, name, msg); err != nil {
		c.logger.Error("[COORD] Failed to persist message", "session", name, "error", err)
	}
}

func (c *Coordinator) persistStatus(name string, status domain.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.repo.UpdateSessionStatus(ctx, name, status); err != nil {
		c.logger.Warn("[COORD] Failed to persist status", "session", name, "status", status, "error", err)
	}
}

// sessionViewLocked builds the API view of a live session. Caller holds
// c.mu, so this reads the coordinator's mirrored status rather than asking
// the wrapper, whose own lock must never be taken under c.mu.
func (c *Coordinator) sessionViewLocked(ms *managedSession) *domain.Session {
	return &domain.Session{
		ID:     ms.id,
		Name:   ms.name,
		Status: ms.status,
	}
}
