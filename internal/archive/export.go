// Package archive builds and stores session timeline exports.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reasonance/reasonance/internal/api"
	"github.com/reasonance/reasonance/internal/session"
)

// Timeline is the export document for one session: everything needed to
// replay the conversation, anchors, and argument graph offline.
type Timeline struct {
	SessionID     string           `json:"session_id"`
	Transcripts   []session.Turn   `json:"transcripts"`
	Anchors       []session.Anchor `json:"anchors"`
	ArgumentGraph json.RawMessage  `json:"argument_graph"`
	Metadata      TimelineMetadata `json:"metadata"`
}

type TimelineMetadata struct {
	CreatedAt        string   `json:"created_at,omitempty"`
	ArchivedAt       string   `json:"archived_at,omitempty"`
	Participants     []string `json:"participants,omitempty"`
	TranscriptCount  int      `json:"transcript_count"`
	ParticipantCount int      `json:"participant_count"`
	IsArchived       bool     `json:"is_archived"`
}

// BuildTimeline converts a session data response into an export document.
// The argument graph travels as raw JSON so an archived session round-trips
// byte-for-byte even if the graph schema grows fields this build predates.
func BuildTimeline(sessionID string, data api.SessionData) Timeline {
	transcripts := make([]session.Turn, 0, len(data.Transcripts))
	for _, turn := range data.Transcripts {
		transcripts = append(transcripts, session.Turn{
			TurnID:    turn.TurnID,
			Speaker:   turn.Speaker,
			Text:      turn.Text,
			Timestamp: turn.Timestamp,
		})
	}
	anchors := make([]session.Anchor, 0, len(data.Anchors))
	for _, anchor := range data.Anchors {
		anchors = append(anchors, session.Anchor{
			Position:  anchor.Position,
			Length:    anchor.Length,
			Word:      anchor.Word,
			TurnID:    anchor.TurnID,
			UserID:    anchor.UserID,
			Timestamp: anchor.Timestamp,
		})
	}
	graph := data.ArgumentGraph
	if len(graph) == 0 {
		graph = json.RawMessage(`{"nodes":{},"edges":[]}`)
	}
	return Timeline{
		SessionID:     sessionID,
		Transcripts:   transcripts,
		Anchors:       anchors,
		ArgumentGraph: graph,
		Metadata: TimelineMetadata{
			CreatedAt:        data.Metadata.CreatedAt,
			ArchivedAt:       data.Metadata.ArchivedAt,
			Participants:     data.Metadata.Participants,
			TranscriptCount:  data.Metadata.TranscriptCount,
			ParticipantCount: data.Metadata.ParticipantCount,
			IsArchived:       data.Metadata.IsArchived,
		},
	}
}

// WriteFile writes the timeline as indented JSON, atomically: a temp file in
// the destination directory is renamed over the target.
func WriteFile(path string, timeline Timeline) error {
	payload, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	payload = append(payload, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".timeline-*.json")
	if err != nil {
		return fmt.Errorf("create temp export: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install export: %w", err)
	}
	return nil
}
