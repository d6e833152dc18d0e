package session

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrSuperseded     = errors.New("superseded by a newer session")
	ErrEmptyWord      = errors.New("selection does not cover a word")
	ErrDuplicateFrame = errors.New("duplicate frame")
)

const (
	TypeClaim    = "claim"
	TypeSupport  = "support"
	TypeCounter  = "counter"
	TypeResponse = "response"
)

// Anchor is a user-created highlight over a word-level span of a turn.
// An anchor is uniquely identified by (TurnID, Position, UserID).
type Anchor struct {
	Position  int    `json:"position"`
	Length    int    `json:"length"`
	Word      string `json:"word"`
	TurnID    int    `json:"turnId"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Key returns the local identity of the anchor. Length is deliberately not
// part of the key: a second anchor at the same offset by the same user is a
// duplicate even if the spans differ.
func (a Anchor) Key() AnchorKey {
	return AnchorKey{TurnID: a.TurnID, Position: a.Position, UserID: a.UserID}
}

type AnchorKey struct {
	TurnID   int
	Position int
	UserID   string
}

// Turn is one attributed utterance. The wire name of the text field is
// "transcript", matching the server payload.
type Turn struct {
	TurnID    int      `json:"turn_id"`
	Speaker   string   `json:"speaker"`
	Text      string   `json:"transcript"`
	Timestamp string   `json:"timestamp"`
	Anchors   []Anchor `json:"anchors,omitempty"`
}

// Point is a pinned layout coordinate. A node carrying a Point is exempt
// from simulated placement.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID        string `json:"id"`
	TurnID    int    `json:"turn_id"`
	Type      string `json:"type"`
	Summary   string `json:"summary"`
	Topic     string `json:"topic,omitempty"`
	Speaker   string `json:"speaker"`
	Timestamp string `json:"timestamp,omitempty"`
	Position  *Point `json:"position,omitempty"`
}

type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// LatestNode is the most recent node reported by an argument_update frame,
// together with the analyzer's confidence in its classification.
type LatestNode struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Summary    string  `json:"summary"`
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
}

// SessionInfo is one row of the session directory.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	ParticipantCount int    `json:"participant_count"`
	CreatedAt        string `json:"created_at"`
	TranscriptCount  int    `json:"transcript_count"`
	IsArchived       bool   `json:"is_archived"`
}
