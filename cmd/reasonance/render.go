package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/reasonance/reasonance/internal/session"
)

// liveRenderer prints incremental session activity: new or rewritten turns,
// participant changes, and argument graph growth. It is driven from the
// stream frame pump, so it keeps its own lock.
type liveRenderer struct {
	mu           sync.Mutex
	out          io.Writer
	seenTurns    map[int]string
	participants string
	latestNodeID string
}

func newLiveRenderer(out io.Writer) *liveRenderer {
	return &liveRenderer{
		out:       out,
		seenTurns: make(map[int]string),
	}
}

func (r *liveRenderer) render(view session.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if joined := strings.Join(view.Participants, ", "); joined != r.participants {
		r.participants = joined
		fmt.Fprintf(r.out, "participants: %s\n", joined)
	}

	// Turns arrive newest-first; walk oldest-first so output reads in order.
	// A turn reprints when its text changes, which covers transcription
	// placeholders being replaced by the finished transcript.
	for i := len(view.Turns) - 1; i >= 0; i-- {
		turn := view.Turns[i]
		if r.seenTurns[turn.TurnID] == turn.Text {
			continue
		}
		r.seenTurns[turn.TurnID] = turn.Text
		fmt.Fprintf(r.out, "[%d] %s: %s\n", turn.TurnID, turn.Speaker, renderTurnText(turn))
	}

	if view.LatestNode != nil && view.LatestNode.ID != r.latestNodeID {
		r.latestNodeID = view.LatestNode.ID
		fmt.Fprintf(r.out, "graph: %s node %q (%d nodes, %d edges)\n",
			view.LatestNode.Type, view.LatestNode.Summary, len(view.Graph.Nodes), len(view.Graph.Edges))
	}
}

// renderTurnText marks anchored words inline, e.g. "that [claim] is wrong".
func renderTurnText(turn session.Turn) string {
	if len(turn.Anchors) == 0 {
		return turn.Text
	}
	segments := session.SegmentTurn(turn.Text, turn.Anchors)
	var b strings.Builder
	for _, segment := range segments {
		if segment.Anchor != nil {
			b.WriteString("[")
			b.WriteString(segment.Text)
			b.WriteString("]")
			continue
		}
		b.WriteString(segment.Text)
	}
	return b.String()
}
