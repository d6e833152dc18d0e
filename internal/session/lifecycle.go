package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reasonance/reasonance/internal/api"
	"github.com/reasonance/reasonance/internal/stream"
)

// State is the lifecycle position of the manager:
// Unjoined -> Joining -> Joined -> Leaving -> Unjoined.
type State int

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// APIClient is the request/response surface the manager needs. *api.Client
// implements it; tests substitute fakes.
type APIClient interface {
	CreateSession(ctx context.Context, participantName string) (string, error)
	JoinSession(ctx context.Context, sessionID, participantName string) error
	LeaveSession(ctx context.Context, sessionID, participantName string) error
	SendMessage(ctx context.Context, sessionID, speaker, message string) (int, error)
	UploadAudio(ctx context.Context, sessionID, filePath, speaker string) (int, error)
	CreateAnchor(ctx context.Context, sessionID string, anchor api.Anchor) error
	DeleteAnchor(ctx context.Context, sessionID string, turnID, position int, userID string) error
	SessionEventsURL(sessionID string) string
}

// StreamChannel is the subset of stream.Channel the manager depends on.
type StreamChannel interface {
	Close()
	Failed() bool
	Err() error
}

// ChannelOpener opens a streaming subscription; the default wraps stream.Open.
type ChannelOpener func(url string, handler stream.Handler, cfg stream.Config) StreamChannel

type ManagerOptions struct {
	Client      APIClient
	DisplayName string
	UserID      string
	// Stream carries the reconnection policy shared by any channel the
	// manager opens. Logger and OnDown are overwritten per channel.
	Stream      stream.Config
	OpenChannel ChannelOpener
	Logger      Logger
	// OnUpdate, when set, receives a fresh view snapshot after every applied
	// frame. Invoked from the channel's frame pump; keep it fast.
	OnUpdate func(View)
	// ErrorTTL is how long a non-critical error stays in the user-visible
	// slot before auto-clearing.
	ErrorTTL time.Duration
}

// Manager owns join/leave/create and the wiring between the stream channel
// and the reconciler. A generation counter fences every join: responses and
// frames tagged with a stale generation are discarded by construction.
type Manager struct {
	client      APIClient
	displayName string
	userID      string
	streamCfg   stream.Config
	openChannel ChannelOpener
	logger      Logger
	onUpdate    func(View)
	errorTTL    time.Duration

	mu         sync.Mutex
	state      State
	sessionID  string
	generation uint64
	reconciler *Reconciler
	channel    StreamChannel

	errMu    sync.Mutex
	errSeq   uint64
	lastErr  string
	connLost bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.DisplayName == "" {
		return nil, fmt.Errorf("display name is required")
	}
	opener := opts.OpenChannel
	if opener == nil {
		opener = func(url string, handler stream.Handler, cfg stream.Config) StreamChannel {
			return stream.Open(url, handler, cfg)
		}
	}
	errorTTL := opts.ErrorTTL
	if errorTTL <= 0 {
		errorTTL = 5 * time.Second
	}
	return &Manager{
		client:      opts.Client,
		displayName: opts.DisplayName,
		userID:      opts.UserID,
		streamCfg:   opts.Stream,
		openChannel: opener,
		logger:      opts.Logger,
		onUpdate:    opts.OnUpdate,
		errorTTL:    errorTTL,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) DisplayName() string { return m.displayName }

func (m *Manager) UserID() string { return m.userID }

// Join joins an existing session and opens its event channel. Joining while
// already joined to a different session is rejected; the caller must leave
// first. Join errors are returned to the caller so optimistic UI state can
// be reverted.
func (m *Manager) Join(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	switch m.state {
	case StateJoined:
		if m.sessionID == sessionID {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrAlreadyJoined, m.sessionID)
	case StateJoining, StateLeaving:
		current := m.sessionID
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrAlreadyJoined, current)
	}
	m.generation++
	generation := m.generation
	m.state = StateJoining
	m.sessionID = sessionID
	m.mu.Unlock()

	return m.completeJoin(ctx, generation, sessionID)
}

// Create creates a new session and then joins it. The two round-trips are
// fenced by one generation: if the manager is torn down between them, the
// second response is dropped instead of being applied to stale state.
func (m *Manager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != StateUnjoined {
		current := m.sessionID
		m.mu.Unlock()
		return "", fmt.Errorf("%w: session %s", ErrAlreadyJoined, current)
	}
	m.generation++
	generation := m.generation
	m.state = StateJoining
	m.mu.Unlock()

	sessionID, err := m.client.CreateSession(ctx, m.displayName)

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return "", ErrSuperseded
	}
	if err != nil {
		m.state = StateUnjoined
		m.sessionID = ""
		m.mu.Unlock()
		return "", err
	}
	m.sessionID = sessionID
	m.mu.Unlock()

	// Creating registers the caller as a participant, so the follow-up join
	// only opens the channel and refreshes the participant list.
	if err := m.completeJoin(ctx, generation, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (m *Manager) completeJoin(ctx context.Context, generation uint64, sessionID string) error {
	err := m.client.JoinSession(ctx, sessionID, m.displayName)

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		m.state = StateUnjoined
		m.sessionID = ""
		m.mu.Unlock()
		return err
	}
	reconciler := NewReconciler(sessionID, m.logger)
	m.reconciler = reconciler
	m.state = StateJoined
	m.mu.Unlock()

	m.errMu.Lock()
	m.connLost = false
	m.errMu.Unlock()

	cfg := m.streamCfg
	cfg.Logger = m.logger
	cfg.OnDown = func(cause error) {
		m.setConnectionLost(cause)
	}
	handler := func(frame []byte) {
		m.handleSessionFrame(generation, frame)
	}
	channel := m.openChannel(m.client.SessionEventsURL(sessionID), handler, cfg)

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		channel.Close()
		return ErrSuperseded
	}
	m.channel = channel
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleSessionFrame(generation uint64, frame []byte) {
	m.mu.Lock()
	if m.generation != generation || m.reconciler == nil {
		m.mu.Unlock()
		return
	}
	reconciler := m.reconciler
	m.mu.Unlock()

	envelope, err := ParseEnvelope(frame)
	if err != nil {
		m.logf("session stream: dropping frame: %v", err)
		return
	}
	reconciler.Apply(envelope)
	if m.onUpdate != nil {
		m.onUpdate(reconciler.Snapshot())
	}
}

// Leave tears the session down. It is idempotent: when already unjoined it
// does nothing and issues no network call. Frames from the old channel stop
// being accepted before the channel closes, and a failing leave request is
// logged but never surfaced, since the local view is discarded regardless.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateUnjoined {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	sessionID := m.sessionID
	channel := m.channel
	m.channel = nil
	m.reconciler = nil
	m.state = StateLeaving
	m.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if sessionID != "" {
		if err := m.client.LeaveSession(ctx, sessionID, m.displayName); err != nil {
			m.logf("leave session %s failed (ignored): %v", sessionID, err)
		}
	}

	m.mu.Lock()
	m.state = StateUnjoined
	m.sessionID = ""
	m.mu.Unlock()
	return nil
}

// Close runs the leave flow with a bounded context. It backs teardown paths
// that fire on navigation rather than explicit user action.
func (m *Manager) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Leave(ctx)
}

// Snapshot returns the current session view, if joined.
func (m *Manager) Snapshot() (View, bool) {
	m.mu.Lock()
	reconciler := m.reconciler
	m.mu.Unlock()
	if reconciler == nil {
		return View{}, false
	}
	return reconciler.Snapshot(), true
}

// SendMessage submits a typed turn under the configured display name.
func (m *Manager) SendMessage(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, ErrInvalidInput
	}
	sessionID, _, err := m.joinedSession()
	if err != nil {
		return 0, err
	}
	turnID, err := m.client.SendMessage(ctx, sessionID, m.displayName, text)
	if err != nil {
		m.setError(err.Error())
		return 0, err
	}
	return turnID, nil
}

// UploadAudio submits a recording for transcription.
func (m *Manager) UploadAudio(ctx context.Context, path string) (int, error) {
	sessionID, _, err := m.joinedSession()
	if err != nil {
		return 0, err
	}
	turnID, err := m.client.UploadAudio(ctx, sessionID, path, m.displayName)
	if err != nil {
		m.setError(err.Error())
		return 0, err
	}
	return turnID, nil
}

// AddAnchorAt creates a word anchor from a clicked text offset within a turn.
// The clicked offset expands to the containing word; an offset outside any
// word is rejected before any network call. Creating an anchor that already
// exists locally is a no-op.
func (m *Manager) AddAnchorAt(ctx context.Context, turnID, offset int) (Anchor, error) {
	sessionID, reconciler, err := m.joinedSession()
	if err != nil {
		return Anchor{}, err
	}
	turn, ok := reconciler.Turn(turnID)
	if !ok {
		return Anchor{}, ErrNotFound
	}
	start, end, err := WordAt(turn.Text, offset)
	if err != nil {
		return Anchor{}, err
	}
	anchor := Anchor{
		Position: start,
		Length:   end - start,
		Word:     turn.Text[start:end],
		TurnID:   turnID,
		UserID:   m.userID,
	}
	if reconciler.HasAnchor(anchor.Key()) {
		return anchor, nil
	}
	wire := api.Anchor{
		Position: anchor.Position,
		Length:   anchor.Length,
		Word:     anchor.Word,
		TurnID:   anchor.TurnID,
		UserID:   anchor.UserID,
	}
	if err := m.client.CreateAnchor(ctx, sessionID, wire); err != nil {
		m.setError(err.Error())
		return Anchor{}, err
	}
	anchor.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	reconciler.AddAnchor(anchor)
	return anchor, nil
}

// RemoveAnchor deletes one of the caller's anchors.
func (m *Manager) RemoveAnchor(ctx context.Context, turnID, position int) error {
	sessionID, reconciler, err := m.joinedSession()
	if err != nil {
		return err
	}
	if err := m.client.DeleteAnchor(ctx, sessionID, turnID, position, m.userID); err != nil {
		m.setError(err.Error())
		return err
	}
	reconciler.RemoveAnchor(AnchorRef{TurnID: turnID, Position: position, UserID: m.userID})
	return nil
}

// SetNodePosition pins a graph node after the layout collaborator reports a
// drag end. Pins are local view state; the server holds no layout.
func (m *Manager) SetNodePosition(id string, x, y float64) error {
	_, reconciler, err := m.joinedSession()
	if err != nil {
		return err
	}
	return reconciler.SetNodePosition(id, x, y)
}

func (m *Manager) joinedSession() (string, *Reconciler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoined || m.reconciler == nil {
		return "", nil, fmt.Errorf("%w: not joined", ErrInvalidInput)
	}
	return m.sessionID, m.reconciler, nil
}

// LastError returns the current user-visible error message, or "".
// Non-critical errors auto-clear after the configured TTL.
func (m *Manager) LastError() string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// ConnectionLost reports whether the session channel reached its terminal
// failed state; recovering requires leaving and joining again.
func (m *Manager) ConnectionLost() bool {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.connLost
}

func (m *Manager) setError(message string) {
	m.errMu.Lock()
	m.errSeq++
	seq := m.errSeq
	m.lastErr = message
	m.errMu.Unlock()

	time.AfterFunc(m.errorTTL, func() {
		m.errMu.Lock()
		if m.errSeq == seq {
			m.lastErr = ""
		}
		m.errMu.Unlock()
	})
}

// setConnectionLost surfaces the terminal transport error. It does not
// auto-clear; only a successful rejoin resets it.
func (m *Manager) setConnectionLost(cause error) {
	m.errMu.Lock()
	m.errSeq++
	m.connLost = true
	m.lastErr = fmt.Sprintf("connection lost: %v", cause)
	m.errMu.Unlock()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
