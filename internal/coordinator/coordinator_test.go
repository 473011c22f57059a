package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/runner"
	"github.com/ashureev/agentdeck/internal/secrets"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionContext
	messages map[string][]domain.Message
	statuses map[string][]domain.Status
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]domain.SessionContext),
		messages: make(map[string][]domain.Message),
		statuses: make(map[string][]domain.Status),
	}
}

func (r *fakeRepo) CreateOrGetSession(_ context.Context, sctx domain.SessionContext) (*domain.SessionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sctx.Name]; ok {
		return &existing, nil
	}
	r.sessions[sctx.Name] = sctx
	out := sctx
	return &out, nil
}

func (r *fakeRepo) AppendMessage(_ context.Context, name string, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[name] = append(r.messages[name], msg)
	return nil
}

func (r *fakeRepo) GetMessages(_ context.Context, name string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages[name]...), nil
}

func (r *fakeRepo) GetSessionContext(_ context.Context, name string) (*domain.SessionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sctx, ok := r.sessions[name]; ok {
		return &sctx, nil
	}
	return nil, nil
}

func (r *fakeRepo) UpdateSessionStatus(_ context.Context, name string, status domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = append(r.statuses[name], status)
	return nil
}

func (r *fakeRepo) ListSessions(_ context.Context) ([]domain.SessionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionContext
	for _, sctx := range r.sessions {
		out = append(out, sctx)
	}
	return out, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

func (r *fakeRepo) messageCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[name])
}

func (r *fakeRepo) lastStatus(name string) domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.statuses[name]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

type fakeRecipes struct {
	recipes map[string]*domain.Recipe
}

func (f *fakeRecipes) GetRecipeByID(id string) *domain.Recipe {
	return f.recipes[id]
}

type fakeWrapper struct {
	name     string
	startErr error
	events   chan runner.Event

	mu   sync.Mutex
	sent []string
}

func newFakeWrapper(name string) *fakeWrapper {
	return &fakeWrapper{name: name, events: make(chan runner.Event, 64)}
}

func (f *fakeWrapper) Start(context.Context) error {
	return f.startErr
}

func (f *fakeWrapper) WaitReady(context.Context) error { return nil }

func (f *fakeWrapper) SendMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeWrapper) Interrupt() error { return nil }
func (f *fakeWrapper) Stop()            { close(f.events) }
func (f *fakeWrapper) ForceStop()       { close(f.events) }

func (f *fakeWrapper) Events() <-chan runner.Event { return f.events }
func (f *fakeWrapper) SessionName() string         { return f.name }

func (f *fakeWrapper) emitMessage(content string) {
	f.emitTagged(content, domain.SourceStream)
}

func (f *fakeWrapper) emitHistoryReplay(content string) {
	f.emitTagged(content, domain.SourceHistory)
}

func (f *fakeWrapper) emitTagged(content, source string) {
	f.events <- runner.Event{
		Type:        runner.EventMessage,
		SessionName: f.name,
		Message: &domain.Message{
			Role:        domain.RoleAssistant,
			Content:     content,
			Timestamp:   time.Now(),
			Source:      source,
			SessionName: f.name,
		},
	}
}

type testHarness struct {
	co       *Coordinator
	repo     *fakeRepo
	wrappers map[string]*fakeWrapper
	spawned  int
	mu       sync.Mutex
}

func newHarness(t *testing.T, recipes map[string]*domain.Recipe) *testHarness {
	t.Helper()

	cfg := &config.Config{
		AgentBin: "goose",
		Runner: config.RunnerConfig{
			DebounceInterval: 25 * time.Millisecond,
			ReadyTimeout:     time.Second,
			StopTimeout:      time.Second,
			SendReadyWait:    time.Second,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &testHarness{
		repo:     newFakeRepo(),
		wrappers: make(map[string]*fakeWrapper),
	}
	h.co = New(h.repo, &fakeRecipes{recipes: recipes}, noopInjector{}, cfg, logger)
	h.co.newWrapper = func(opts runner.Options) procHandle {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.spawned++
		fw := newFakeWrapper(opts.SessionName)
		h.wrappers[opts.SessionName] = fw
		return fw
	}
	return h
}

func (h *testHarness) spawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawned
}

type noopInjector struct{}

func (noopInjector) Resolve(*domain.Recipe) (map[string]string, secrets.Report) {
	return nil, secrets.Report{}
}

// drainOut collects UI events until the channel is quiet for the grace period.
func drainOut(co *Coordinator, grace time.Duration) []runner.Event {
	var events []runner.Event
	for {
		select {
		case ev := <-co.Events():
			events = append(events, ev)
		case <-time.After(grace):
			return events
		}
	}
}

// createAndStart runs the two-phase create/start flow.
func createAndStart(t *testing.T, h *testHarness, name string) *domain.Session {
	t.Helper()
	if _, err := h.co.CreateSession(context.Background(), CreateRequest{Name: name}); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	session, err := h.co.StartSession(context.Background(), name)
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return session
}

func TestCreateThenStartSession(t *testing.T) {
	h := newHarness(t, nil)

	// Create records the session and selects it without starting a process.
	created, err := h.co.CreateSession(context.Background(), CreateRequest{Name: "alpha", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Name != "alpha" || created.ID == "" {
		t.Errorf("session = %+v, want named alpha with an id", created)
	}
	if got := h.co.ActiveSession(); got != "alpha" {
		t.Errorf("active = %q, want alpha", got)
	}
	if created.Status != domain.StatusCreated {
		t.Errorf("status after create = %s, want created", created.Status)
	}

	started, err := h.co.StartSession(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if started.Status != domain.StatusReady {
		t.Errorf("status after start = %s, want ready", started.Status)
	}
	if h.repo.lastStatus("alpha") != domain.StatusReady {
		t.Errorf("persisted status = %s, want ready", h.repo.lastStatus("alpha"))
	}

	// Starting again is a no-op returning the current view.
	again, err := h.co.StartSession(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if again.ID != started.ID {
		t.Errorf("second start changed the session id: %s != %s", again.ID, started.ID)
	}
	if h.spawnCount() != 1 {
		t.Errorf("spawned = %d, want 1", h.spawnCount())
	}
}

func TestStartFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, nil)
	h.co.newWrapper = func(opts runner.Options) procHandle {
		fw := newFakeWrapper(opts.SessionName)
		fw.startErr = errors.New("agent failed to start")
		return fw
	}

	if _, err := h.co.CreateSession(context.Background(), CreateRequest{Name: "alpha"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.co.StartSession(context.Background(), "alpha"); err == nil {
		t.Fatal("StartSession should fail when the process cannot start")
	}

	h.co.mu.Lock()
	_, live := h.co.sessions["alpha"]
	h.co.mu.Unlock()
	if live {
		t.Error("failed session left live in the coordinator")
	}
	if h.repo.lastStatus("alpha") != domain.StatusStopped {
		t.Errorf("persisted status = %s, want stopped", h.repo.lastStatus("alpha"))
	}
}

func TestRoutingIsolation(t *testing.T) {
	h := newHarness(t, nil)
	createAndStart(t, h, "alpha")
	createAndStart(t, h, "beta")

	// Creating beta made it active. Switch back to alpha.
	if _, err := h.co.SwitchSession("alpha"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	drainOut(h.co, 30*time.Millisecond)

	h.wrappers["beta"].emitMessage("background chatter")
	h.wrappers["alpha"].emitMessage("active reply")

	events := drainOut(h.co, 100*time.Millisecond)
	for _, ev := range events {
		if ev.Type == runner.EventMessage && ev.SessionName == "beta" {
			t.Errorf("background session message reached the UI: %q", ev.Message.Content)
		}
	}
	var sawActive bool
	for _, ev := range events {
		if ev.Type == runner.EventMessage && ev.SessionName == "alpha" {
			sawActive = true
		}
	}
	if !sawActive {
		t.Error("active session message never reached the UI")
	}

	// Both sessions' messages persist regardless of routing.
	waitFor(t, func() bool { return h.repo.messageCount("beta") == 1 })
	waitFor(t, func() bool { return h.repo.messageCount("alpha") == 1 })
}

func TestSwitchReturnsCachedConversation(t *testing.T) {
	h := newHarness(t, nil)
	createAndStart(t, h, "alpha")
	h.wrappers["alpha"].emitMessage("first answer")
	waitFor(t, func() bool { return h.repo.messageCount("alpha") == 1 })

	createAndStart(t, h, "beta")

	snapshot, err := h.co.SwitchSession("alpha")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Content != "first answer" {
		t.Errorf("snapshot = %+v, want the cached answer", snapshot)
	}
}

func TestSwitchToUnknownSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.co.SwitchSession("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestResumeIsIdempotentForLiveSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	createAndStart(t, h, "alpha")
	if h.spawnCount() != 1 {
		t.Fatalf("spawned = %d, want 1", h.spawnCount())
	}

	// Resuming a session that is already live must not spawn a second process.
	if _, _, err := h.co.ResumeSession(ctx, "alpha"); err != nil {
		t.Fatalf("resume live: %v", err)
	}
	if _, _, err := h.co.ResumeSession(ctx, "alpha"); err != nil {
		t.Fatalf("resume live again: %v", err)
	}
	if h.spawnCount() != 1 {
		t.Errorf("spawned = %d after repeated resume, want 1", h.spawnCount())
	}
	if got := h.co.ActiveSession(); got != "alpha" {
		t.Errorf("active = %q, want alpha", got)
	}
}

func TestResumeRestoresHistoryIntoCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A recorded session with persisted history and no live process.
	if _, err := h.repo.CreateOrGetSession(ctx, domain.SessionContext{Name: "alpha", Status: domain.StatusStopped}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	seed := domain.Message{Role: domain.RoleUser, Content: "remember me", Source: domain.SourceUser, Timestamp: time.Now()}
	if err := h.repo.AppendMessage(ctx, "alpha", seed); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	_, history, err := h.co.ResumeSession(ctx, "alpha")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(history) != 1 || history[0].Content != "remember me" {
		t.Fatalf("history = %+v, want the persisted message", history)
	}
	if h.spawnCount() != 1 {
		t.Errorf("spawned = %d, want 1", h.spawnCount())
	}

	// The cache now serves the restored history.
	msgs, err := h.co.GetMessages(ctx, "alpha")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "remember me" {
		t.Errorf("cached messages = %+v, want restored history", msgs)
	}
}

func TestResumeReplayIsNotRePersisted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.repo.CreateOrGetSession(ctx, domain.SessionContext{Name: "alpha", Status: domain.StatusStopped}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	seed := domain.Message{Role: domain.RoleAssistant, Content: "earlier answer", Source: domain.SourceStream, Timestamp: time.Now()}
	if err := h.repo.AppendMessage(ctx, "alpha", seed); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	if _, _, err := h.co.ResumeSession(ctx, "alpha"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// The process replays the prior conversation tagged as history, then
	// produces genuinely new output.
	h.wrappers["alpha"].emitHistoryReplay("earlier answer")
	h.wrappers["alpha"].emitMessage("new answer")
	waitFor(t, func() bool {
		msgs, _ := h.repo.GetMessages(ctx, "alpha")
		return len(msgs) >= 2 && msgs[len(msgs)-1].Content == "new answer"
	})

	// The transcript grew only by the new output; the replay stayed out.
	if n := h.repo.messageCount("alpha"); n != 2 {
		t.Errorf("transcript holds %d messages after resume, want 2", n)
	}
	msgs, err := h.co.GetMessages(ctx, "alpha")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "earlier answer" || msgs[1].Content != "new answer" {
		t.Errorf("cache = %+v, want the restored line once plus the new answer", msgs)
	}
}

func TestResumeUnknownSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	if _, _, err := h.co.ResumeSession(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSendMessagePersistsAndEchoesBeforeProcessWrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	createAndStart(t, h, "alpha")
	drainOut(h.co, 30*time.Millisecond)

	if err := h.co.SendMessage(ctx, "hello agent"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if h.repo.messageCount("alpha") != 1 {
		t.Errorf("persisted messages = %d, want 1", h.repo.messageCount("alpha"))
	}

	events := drainOut(h.co, 50*time.Millisecond)
	var echoed bool
	for _, ev := range events {
		if ev.Type == runner.EventMessage && ev.Message.Role == domain.RoleUser && ev.Message.Content == "hello agent" {
			echoed = true
		}
	}
	if !echoed {
		t.Error("user message was not echoed to the UI")
	}

	fw := h.wrappers["alpha"]
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.sent) != 1 || fw.sent[0] != "hello agent" {
		t.Errorf("process received %v, want the message", fw.sent)
	}
}

func TestSendMessageWithoutActiveSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.co.SendMessage(context.Background(), "anyone there"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestClosedSessionIsRemovedAndUINotified(t *testing.T) {
	h := newHarness(t, nil)
	createAndStart(t, h, "alpha")
	drainOut(h.co, 30*time.Millisecond)

	fw := h.wrappers["alpha"]
	fw.events <- runner.Event{Type: runner.EventClosed, SessionName: "alpha", ExitCode: 0}
	close(fw.events)

	waitFor(t, func() bool {
		h.co.mu.Lock()
		defer h.co.mu.Unlock()
		_, live := h.co.sessions["alpha"]
		return !live && h.co.active == ""
	})
	if h.repo.lastStatus("alpha") != domain.StatusStopped {
		t.Errorf("persisted status = %s, want stopped", h.repo.lastStatus("alpha"))
	}

	events := drainOut(h.co, 50*time.Millisecond)
	var closed bool
	for _, ev := range events {
		if ev.Type == runner.EventClosed && ev.SessionName == "alpha" {
			closed = true
		}
	}
	if !closed {
		t.Error("closed event never reached the UI")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
