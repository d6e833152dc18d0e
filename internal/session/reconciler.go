package session

import (
	"sort"
	"sync"
)

// View is a versioned value snapshot of one session: participant set,
// transcript turns ordered newest-first, and the argument graph. Collaborators
// receive Views and never touch reconciler state directly.
type View struct {
	SessionID    string
	Version      uint64
	Participants []string
	Turns        []Turn
	Graph        GraphSnapshot
	LatestNode   *LatestNode
	MessageCount int
}

// Reconciler owns the session view and applies incoming envelopes with
// upsert/merge semantics. All mutations are serialized behind one mutex;
// collaborators only ever read snapshots.
type Reconciler struct {
	mu           sync.Mutex
	sessionID    string
	version      uint64
	participants []string
	turns        []Turn
	graph        *Graph
	latestNode   *LatestNode
	messageCount int
	logger       Logger
}

// Logger is the minimal logging surface accepted across the module.
type Logger interface {
	Printf(format string, args ...any)
}

func NewReconciler(sessionID string, logger Logger) *Reconciler {
	return &Reconciler{
		sessionID: sessionID,
		graph:     NewGraph(),
		logger:    logger,
	}
}

// Apply folds one decoded envelope into the view. Repeated delivery of the
// same envelope is a no-op beyond a version bump. Unknown types are logged
// and ignored so newer servers stay compatible with older clients.
func (r *Reconciler) Apply(envelope Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch envelope.Type {
	case EventKeepalive, EventConnected:
		return

	case EventInitialState:
		if envelope.InitialState != nil {
			r.applyInitialStateLocked(*envelope.InitialState)
		}

	case EventArgumentUpdate:
		if envelope.Graph != nil {
			r.graph.Merge(envelope.Graph.Payload)
			if envelope.Graph.LatestNode != nil {
				r.latestNode = envelope.Graph.LatestNode
			}
		}

	case EventTranscript:
		if envelope.Turn != nil {
			r.turns = upsertTurn(r.turns, *envelope.Turn)
		}
		if envelope.MessageCount != nil {
			r.messageCount = *envelope.MessageCount
		}

	case EventParticipantJoined:
		r.applyParticipantFrameLocked(envelope, true)

	case EventParticipantLeft:
		r.applyParticipantFrameLocked(envelope, false)

	case EventParticipantUpdate:
		if envelope.Participants != nil {
			r.participants = append([]string(nil), envelope.Participants...)
		}

	case EventAnchorAdded, EventAnchorCreated:
		if envelope.Anchor != nil {
			r.upsertAnchorLocked(*envelope.Anchor)
		}

	case EventAnchorRemoved:
		if envelope.AnchorRef != nil {
			r.removeAnchorLocked(*envelope.AnchorRef)
		}

	default:
		r.logf("reconciler: ignoring event type %q", envelope.Type)
		return
	}
	r.version++
}

func (r *Reconciler) applyInitialStateLocked(state InitialState) {
	r.participants = append([]string(nil), state.Participants...)
	r.turns = nil
	for _, turn := range state.Transcripts {
		r.turns = upsertTurn(r.turns, turn)
	}
	payload, err := DecodeGraphPayload(state.ArgumentGraph)
	if err != nil {
		r.logf("reconciler: dropping initial graph: %v", err)
		payload = GraphPayload{Nodes: map[string]Node{}}
	}
	r.graph.Replace(payload)
	r.latestNode = nil
}

// participant_joined/left frames may carry either the full participant list
// or just the affected name; the full list wins when present.
func (r *Reconciler) applyParticipantFrameLocked(envelope Envelope, joined bool) {
	if envelope.Participants != nil {
		r.participants = append([]string(nil), envelope.Participants...)
		return
	}
	if envelope.Name == "" {
		return
	}
	if joined {
		for _, name := range r.participants {
			if name == envelope.Name {
				return
			}
		}
		r.participants = append(r.participants, envelope.Name)
		return
	}
	kept := r.participants[:0]
	for _, name := range r.participants {
		if name != envelope.Name {
			kept = append(kept, name)
		}
	}
	r.participants = kept
}

// upsertTurn replaces the turn with the same id or inserts a new one, then
// re-sorts the whole collection by timestamp descending. The sort on every
// update is intentional: it keeps the newest turn first regardless of
// arrival order, at O(n log n) per update, which is fine at chat volume.
func upsertTurn(turns []Turn, turn Turn) []Turn {
	replaced := false
	for i := range turns {
		if turns[i].TurnID == turn.TurnID {
			if turn.Anchors == nil {
				turn.Anchors = turns[i].Anchors
			}
			turns[i] = turn
			replaced = true
			break
		}
	}
	if !replaced {
		turns = append(turns, turn)
	}
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].Timestamp != turns[j].Timestamp {
			return turns[i].Timestamp > turns[j].Timestamp
		}
		return turns[i].TurnID > turns[j].TurnID
	})
	return turns
}

// upsertAnchorLocked adds an anchor to its owning turn. A second anchor with
// the same (turnId, position, userId) is a no-op.
func (r *Reconciler) upsertAnchorLocked(anchor Anchor) bool {
	for i := range r.turns {
		if r.turns[i].TurnID != anchor.TurnID {
			continue
		}
		for _, existing := range r.turns[i].Anchors {
			if existing.Key() == anchor.Key() {
				return false
			}
		}
		r.turns[i].Anchors = append(r.turns[i].Anchors, anchor)
		return true
	}
	r.logf("reconciler: anchor for unknown turn %d dropped", anchor.TurnID)
	return false
}

func (r *Reconciler) removeAnchorLocked(ref AnchorRef) {
	for i := range r.turns {
		if r.turns[i].TurnID != ref.TurnID {
			continue
		}
		kept := r.turns[i].Anchors[:0]
		for _, anchor := range r.turns[i].Anchors {
			if anchor.Position == ref.Position && anchor.UserID == ref.UserID {
				continue
			}
			kept = append(kept, anchor)
		}
		r.turns[i].Anchors = kept
		return
	}
}

// AddAnchor folds an acknowledged user-created anchor into local state.
// It reports whether the anchor was new.
func (r *Reconciler) AddAnchor(anchor Anchor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := r.upsertAnchorLocked(anchor)
	if added {
		r.version++
	}
	return added
}

// HasAnchor reports whether an anchor with the given identity already exists.
func (r *Reconciler) HasAnchor(key AnchorKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.turns {
		if r.turns[i].TurnID != key.TurnID {
			continue
		}
		for _, anchor := range r.turns[i].Anchors {
			if anchor.Key() == key {
				return true
			}
		}
	}
	return false
}

// RemoveAnchor folds an acknowledged anchor deletion into local state.
func (r *Reconciler) RemoveAnchor(ref AnchorRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAnchorLocked(ref)
	r.version++
}

// Turn returns a copy of the turn with the given id.
func (r *Reconciler) Turn(turnID int) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.turns {
		if r.turns[i].TurnID == turnID {
			turn := r.turns[i]
			turn.Anchors = append([]Anchor(nil), turn.Anchors...)
			return turn, true
		}
	}
	return Turn{}, false
}

// SetNodePosition pins a node coordinate after the layout collaborator
// reports a drag end.
func (r *Reconciler) SetNodePosition(id string, x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.graph.SetNodePosition(id, x, y); err != nil {
		return err
	}
	r.version++
	return nil
}

// Snapshot returns a copy of the current view. The copy is safe to hand to
// renderers; mutating it has no effect on the reconciler.
func (r *Reconciler) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := View{
		SessionID:    r.sessionID,
		Version:      r.version,
		Participants: append([]string(nil), r.participants...),
		Turns:        make([]Turn, len(r.turns)),
		Graph:        r.graph.Snapshot(),
		MessageCount: r.messageCount,
	}
	for i, turn := range r.turns {
		turn.Anchors = append([]Anchor(nil), turn.Anchors...)
		view.Turns[i] = turn
	}
	if r.latestNode != nil {
		latest := *r.latestNode
		view.LatestNode = &latest
	}
	return view
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
