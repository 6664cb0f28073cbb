// Package manager owns the collection of live session controllers: it
// mints tab identity, assigns palette slots, tracks which session is
// active, routes commands to the active controller, and persists
// session metadata for later resume.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/agent"
	"github.com/agentmux/agentmux/config"
	"github.com/agentmux/agentmux/exec"
	"github.com/agentmux/agentmux/history"
	"github.com/agentmux/agentmux/logger"
	"github.com/agentmux/agentmux/protocol"
	"github.com/agentmux/agentmux/store"
)

// Compile-time interface satisfaction check.
var _ RegistryConfig = (*config.Config)(nil)

var (
	// ErrNoActiveSession is returned when a routed command finds no
	// active session to deliver to.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionNotFound is returned for operations on a tab ID the
	// registry does not hold.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotStarted is returned when forking a session whose
	// subprocess has not announced a CLI session ID yet.
	ErrSessionNotStarted = errors.New("session has no CLI session yet")
)

// RegistryConfig defines the configuration surface the registry needs.
// This decouples the registry from the concrete config.Config struct.
//
// *config.Config satisfies this interface implicitly.
type RegistryConfig interface {
	GetCLIPath() string
	GetDefaultModel() string
	GetPermissionMode() string
	GetAllowedTools() []string
	GetApprovalTools() []string
	GetQuickSlots() int
	GetRecentSessionLimit() int
}

// SessionController is the controller surface the registry drives.
// Satisfied by *agent.Controller; tests substitute a fake.
type SessionController interface {
	TabID() string
	State() agent.State
	SessionID() string
	Model() string
	IsBusy() bool
	Usage() (costUSD float64, inputTokens, outputTokens int)
	Notifications() <-chan agent.Notification
	Start() error
	Resume(sessionID string) error
	StartFork(parentSessionID string, transcript []agent.TranscriptEntry, pendingInput string) error
	SendText(text string) error
	SendContent(blocks []protocol.ContentBlock) error
	Compact(instructions string) error
	Cancel() error
	Approve(approved bool, feedback string) error
	RetryAfterCrash() error
	DismissCrash()
	Stop()
}

// ControllerFactory creates a controller for a session.
// This allows tests to inject fake controllers.
type ControllerFactory func(cfg agent.ControllerConfig) SessionController

func defaultControllerFactory(cfg agent.ControllerConfig) SessionController {
	return agent.NewController(cfg, logger.WithSession(cfg.TabID))
}

// SessionInfo is a point-in-time snapshot of one registered session.
type SessionInfo struct {
	TabID        string
	Slot         int // palette slot, -1 when all slots are taken
	Name         string
	WorkingDir   string
	CreatedAt    time.Time
	State        agent.State
	CLISessionID string
	Busy         bool
}

// session is the registry's record of one open tab.
type session struct {
	tabID       string
	slot        int
	name        string
	workingDir  string
	firstPrompt string // excerpt of the first user turn, for resume pickers
	createdAt   time.Time
	controller  SessionController
}

// firstPromptExcerptLen bounds the stored first-prompt excerpt.
const firstPromptExcerptLen = 200

// Registry owns all live session controllers. The active-session
// pointer is always either empty or a tab ID present in the registry;
// closing the active session re-resolves it before returning.
type Registry struct {
	config   RegistryConfig
	repo     *store.SessionRepo // nil disables persistence
	executor exec.CommandExecutor
	factory  ControllerFactory

	mu       sync.RWMutex
	sessions map[string]*session
	order    []string // tab IDs in creation order
	activeID string
}

// NewRegistry creates a registry. repo may be nil, in which case
// session metadata is not persisted.
func NewRegistry(cfg RegistryConfig, repo *store.SessionRepo) *Registry {
	return &Registry{
		config:   cfg,
		repo:     repo,
		executor: exec.NewRealExecutor(),
		factory:  defaultControllerFactory,
		sessions: make(map[string]*session),
	}
}

// NewPersistentRegistry creates a registry backed by the session
// database at its standard location. The returned DB must be closed
// after the registry is done (typically after CloseAll).
func NewPersistentRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, *store.DB, error) {
	db, err := store.OpenDefault(ctx)
	if err != nil {
		return nil, nil, err
	}
	return NewRegistry(cfg, store.NewSessionRepo(db.SQL())), db, nil
}

// SetControllerFactory sets a custom controller factory (for testing).
func (r *Registry) SetControllerFactory(factory ControllerFactory) {
	r.factory = factory
}

// SetExecutor sets the executor used by one-shot helpers (for testing).
func (r *Registry) SetExecutor(executor exec.CommandExecutor) {
	r.executor = executor
}

// Create registers a new session in workingDir and makes it active. No
// subprocess is spawned until input is sent or the controller's Start
// is called.
func (r *Registry) Create(workingDir string) (SessionInfo, error) {
	tabID := uuid.NewString()
	ctrl := r.factory(r.controllerConfig(tabID, workingDir))

	r.mu.Lock()
	entry := &session{
		tabID:      tabID,
		slot:       r.nextSlotLocked(),
		name:       "",
		workingDir: workingDir,
		createdAt:  time.Now(),
		controller: ctrl,
	}
	r.sessions[tabID] = entry
	r.order = append(r.order, tabID)
	r.activeID = tabID
	info := snapshotLocked(entry)
	r.mu.Unlock()

	logger.WithSession(tabID).Info("session created", "slot", info.Slot, "workingDir", workingDir)
	return info, nil
}

// Restore registers a session from persisted metadata, makes it
// active, and resumes its CLI session in a new subprocess.
func (r *Registry) Restore(rec *store.Session) (SessionInfo, error) {
	ctrl := r.factory(r.controllerConfig(rec.ID, rec.WorkingDir))

	r.mu.Lock()
	entry := &session{
		tabID:       rec.ID,
		slot:        r.nextSlotLocked(),
		name:        rec.Name,
		workingDir:  rec.WorkingDir,
		firstPrompt: rec.FirstPrompt,
		createdAt:   time.Now(),
		controller:  ctrl,
	}
	r.sessions[rec.ID] = entry
	r.order = append(r.order, rec.ID)
	r.activeID = rec.ID
	info := snapshotLocked(entry)
	r.mu.Unlock()

	if err := ctrl.Resume(rec.CLISessionID); err != nil {
		r.remove(rec.ID)
		ctrl.Stop()
		return SessionInfo{}, fmt.Errorf("failed to resume session: %w", err)
	}

	logger.WithSession(rec.ID).Info("session restored", "cliSessionID", rec.CLISessionID)
	return info, nil
}

// Fork creates a new session seeded with the parent's conversation.
// The parent's transcript is read from disk and replayed to the new
// controller's consumer before live traffic; pendingInput carries over
// any unsent input from the parent tab.
func (r *Registry) Fork(parentTabID, pendingInput string) (SessionInfo, error) {
	r.mu.RLock()
	parent, exists := r.sessions[parentTabID]
	var parentName, parentDir string
	var parentCtrl SessionController
	if exists {
		parentName = parent.name
		parentDir = parent.workingDir
		parentCtrl = parent.controller
	}
	r.mu.RUnlock()
	if !exists {
		return SessionInfo{}, ErrSessionNotFound
	}

	parentCLIID := parentCtrl.SessionID()
	if parentCLIID == "" {
		return SessionInfo{}, ErrSessionNotStarted
	}

	log := logger.WithSession(parentTabID)
	transcript := r.loadTranscript(parentDir, parentCLIID)
	log.Debug("forking session", "transcriptTurns", len(transcript))

	tabID := uuid.NewString()
	ctrl := r.factory(r.controllerConfig(tabID, parentDir))

	r.mu.Lock()
	entry := &session{
		tabID:      tabID,
		slot:       r.nextSlotLocked(),
		name:       parentName,
		workingDir: parentDir,
		createdAt:  time.Now(),
		controller: ctrl,
	}
	r.sessions[tabID] = entry
	r.order = append(r.order, tabID)
	r.activeID = tabID
	info := snapshotLocked(entry)
	r.mu.Unlock()

	if err := ctrl.StartFork(parentCLIID, transcript, pendingInput); err != nil {
		r.remove(tabID)
		ctrl.Stop()
		return SessionInfo{}, fmt.Errorf("failed to fork session: %w", err)
	}

	logger.WithSession(tabID).Info("session forked", "parent", parentTabID)
	return info, nil
}

// loadTranscript reads the parent's on-disk transcript for fork
// seeding. A missing or unreadable transcript degrades to an empty
// replay rather than blocking the fork.
func (r *Registry) loadTranscript(workingDir, cliSessionID string) []agent.TranscriptEntry {
	path, err := history.SessionFilePath(workingDir, cliSessionID)
	if err != nil {
		logger.WithComponent("manager").Warn("failed to resolve transcript path", "error", err)
		return nil
	}
	messages, err := history.ReadTranscript(path)
	if err != nil {
		logger.WithComponent("manager").Debug("transcript not readable, forking without replay", "error", err)
		return nil
	}
	transcript := make([]agent.TranscriptEntry, 0, len(messages))
	for _, msg := range messages {
		transcript = append(transcript, agent.TranscriptEntry{Role: msg.Role, Text: msg.Text})
	}
	return transcript
}

func (r *Registry) controllerConfig(tabID, workingDir string) agent.ControllerConfig {
	mode := agent.PermissionSupervised
	if r.config.GetPermissionMode() == "full" {
		mode = agent.PermissionFull
	}
	return agent.ControllerConfig{
		TabID:          tabID,
		Binary:         r.config.GetCLIPath(),
		WorkingDir:     workingDir,
		Model:          r.config.GetDefaultModel(),
		PermissionMode: mode,
		AllowedTools:   r.config.GetAllowedTools(),
		ApprovalTools:  r.config.GetApprovalTools(),
	}
}

// nextSlotLocked returns the lowest palette slot not held by an open
// session, or -1 when all slots are taken. Slots stay with a session
// until it closes, so identity is stable while the tab is open.
func (r *Registry) nextSlotLocked() int {
	used := make(map[int]bool, len(r.sessions))
	for _, s := range r.sessions {
		used[s.slot] = true
	}
	for slot := 0; slot < r.config.GetQuickSlots(); slot++ {
		if !used[slot] {
			return slot
		}
	}
	return -1
}

// Get returns a snapshot of one session.
func (r *Registry) Get(tabID string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.sessions[tabID]
	if !exists {
		return SessionInfo{}, false
	}
	return snapshotLocked(entry), true
}

// Sessions returns snapshots of all open sessions in creation order.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(r.order))
	for _, tabID := range r.order {
		infos = append(infos, snapshotLocked(r.sessions[tabID]))
	}
	return infos
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Active returns a snapshot of the active session, or false when none
// is active.
func (r *Registry) Active() (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return SessionInfo{}, false
	}
	return snapshotLocked(r.sessions[r.activeID]), true
}

// EnsureActive returns the active session, creating one in workingDir
// when none is active.
func (r *Registry) EnsureActive(workingDir string) (SessionInfo, error) {
	if info, ok := r.Active(); ok {
		return info, nil
	}
	return r.Create(workingDir)
}

// SetActive makes the given session active.
func (r *Registry) SetActive(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[tabID]; !exists {
		return ErrSessionNotFound
	}
	r.activeID = tabID
	return nil
}

// Controller returns the controller for a session, or nil if none
// exists. Used by consumers that subscribe to a session's
// notifications directly.
func (r *Registry) Controller(tabID string) SessionController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.sessions[tabID]
	if !exists {
		return nil
	}
	return entry.controller
}

// activeController returns the active session's controller, or an
// error when no session is active.
func (r *Registry) activeController() (SessionController, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil, ErrNoActiveSession
	}
	return r.sessions[r.activeID].controller, nil
}

// Send routes a text turn to the active session.
func (r *Registry) Send(text string) error {
	r.mu.Lock()
	if r.activeID == "" {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	entry := r.sessions[r.activeID]
	if entry.firstPrompt == "" {
		entry.firstPrompt = excerpt(text, firstPromptExcerptLen)
	}
	ctrl := entry.controller
	r.mu.Unlock()

	return ctrl.SendText(text)
}

// excerpt truncates s to at most n runes on UTF-8 boundaries.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// SendContent routes a mixed-content turn to the active session.
func (r *Registry) SendContent(blocks []protocol.ContentBlock) error {
	ctrl, err := r.activeController()
	if err != nil {
		return err
	}
	return ctrl.SendContent(blocks)
}

// Cancel cancels the active session's in-flight turn.
func (r *Registry) Cancel() error {
	ctrl, err := r.activeController()
	if err != nil {
		return err
	}
	return ctrl.Cancel()
}

// Approve answers the active session's approval gate.
func (r *Registry) Approve(approved bool, feedback string) error {
	ctrl, err := r.activeController()
	if err != nil {
		return err
	}
	return ctrl.Approve(approved, feedback)
}

// Compact asks the active session to compact its conversation.
func (r *Registry) Compact(instructions string) error {
	ctrl, err := r.activeController()
	if err != nil {
		return err
	}
	return ctrl.Compact(instructions)
}

// Rename sets a session's display name.
func (r *Registry) Rename(tabID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.sessions[tabID]
	if !exists {
		return ErrSessionNotFound
	}
	entry.name = name
	return nil
}

// AutoName asks the CLI for a short session name derived from the
// first prompt and applies it. Failures leave the name unchanged and
// return "".
func (r *Registry) AutoName(ctx context.Context, tabID, firstPrompt string) string {
	name := agent.SuggestSessionName(ctx, r.executor, r.config.GetCLIPath(), firstPrompt, agent.OneShotOptions{})
	if name == "" {
		return ""
	}
	if err := r.Rename(tabID, name); err != nil {
		return ""
	}
	logger.WithSession(tabID).Debug("session auto-named", "name", name)
	return name
}

// Persist upserts the session's metadata and prunes the store to the
// configured recent-session bound. No-op when persistence is disabled.
func (r *Registry) Persist(ctx context.Context, tabID string) error {
	if r.repo == nil {
		return nil
	}

	r.mu.RLock()
	entry, exists := r.sessions[tabID]
	if !exists {
		r.mu.RUnlock()
		return ErrSessionNotFound
	}
	rec := &store.Session{
		ID:          entry.tabID,
		Name:        entry.name,
		WorkingDir:  entry.workingDir,
		FirstPrompt: entry.firstPrompt,
	}
	ctrl := entry.controller
	r.mu.RUnlock()

	rec.CLISessionID = ctrl.SessionID()
	rec.Model = ctrl.Model()
	rec.TotalCostUSD, rec.InputTokens, rec.OutputTokens = ctrl.Usage()

	if err := r.repo.Upsert(ctx, rec); err != nil {
		return err
	}
	if limit := r.config.GetRecentSessionLimit(); limit > 0 {
		if _, err := r.repo.Prune(ctx, limit); err != nil {
			logger.WithSession(tabID).Warn("failed to prune session store", "error", err)
		}
	}
	return nil
}

// RecentSessions lists persisted sessions by recency for a resume
// picker. Returns nil when persistence is disabled.
func (r *Registry) RecentSessions(ctx context.Context, limit int) ([]*store.Session, error) {
	if r.repo == nil {
		return nil, nil
	}
	return r.repo.ListRecent(ctx, limit)
}

// Close stops one session and removes it. If it was active, the
// most-recently-created remaining session becomes active before Close
// returns; with no sessions left the active pointer clears.
func (r *Registry) Close(tabID string) error {
	r.mu.Lock()
	entry, exists := r.sessions[tabID]
	if !exists {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	r.mu.Unlock()

	// Capture final metadata before the controller shuts down.
	if err := r.Persist(context.Background(), tabID); err != nil {
		logger.WithSession(tabID).Warn("failed to persist session on close", "error", err)
	}

	entry.controller.Stop()
	r.remove(tabID)
	logger.WithSession(tabID).Info("session closed")
	return nil
}

// remove deletes a session entry and re-resolves the active pointer.
func (r *Registry) remove(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, tabID)
	for i, id := range r.order {
		if id == tabID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.activeID == tabID {
		if len(r.order) > 0 {
			r.activeID = r.order[len(r.order)-1]
		} else {
			r.activeID = ""
		}
	}
}

// CloseAll stops every session in creation order and clears the
// registry. Called on application shutdown so no subprocess outlives
// the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	entries := make([]*session, 0, len(order))
	for _, tabID := range order {
		entries = append(entries, r.sessions[tabID])
	}
	r.sessions = make(map[string]*session)
	r.order = nil
	r.activeID = ""
	r.mu.Unlock()

	log := logger.WithComponent("manager")
	log.Info("closing all sessions", "count", len(entries))
	for _, entry := range entries {
		if r.repo != nil {
			rec := &store.Session{
				ID:           entry.tabID,
				Name:         entry.name,
				WorkingDir:   entry.workingDir,
				FirstPrompt:  entry.firstPrompt,
				CLISessionID: entry.controller.SessionID(),
				Model:        entry.controller.Model(),
			}
			rec.TotalCostUSD, rec.InputTokens, rec.OutputTokens = entry.controller.Usage()
			if err := r.repo.Upsert(context.Background(), rec); err != nil {
				logger.WithSession(entry.tabID).Warn("failed to persist session on shutdown", "error", err)
			}
		}
		entry.controller.Stop()
	}
	log.Info("shutdown complete")
}

func snapshotLocked(entry *session) SessionInfo {
	return SessionInfo{
		TabID:        entry.tabID,
		Slot:         entry.slot,
		Name:         entry.name,
		WorkingDir:   entry.workingDir,
		CreatedAt:    entry.createdAt,
		State:        entry.controller.State(),
		CLISessionID: entry.controller.SessionID(),
		Busy:         entry.controller.IsBusy(),
	}
}
