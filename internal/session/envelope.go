package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEventType = errors.New("unknown event type")
)

// Session channel event types. EventConnected is an acknowledgment frame the
// server emits right after a stream opens; it carries no payload.
const (
	EventInitialState      = "initial_state"
	EventArgumentUpdate    = "argument_update"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventParticipantUpdate = "participant_update"
	EventTranscript        = "transcript"
	EventKeepalive         = "keepalive"
	EventConnected         = "connected"
	EventAnchorAdded       = "add"
	EventAnchorCreated     = "anchor"
	EventAnchorRemoved     = "remove"
)

// Directory channel event types.
const (
	EventSessionsUpdate = "sessions_update"
)

// InitialState is the full-replace snapshot sent once per connection.
type InitialState struct {
	Participants  []string        `json:"participants"`
	Transcripts   []Turn          `json:"transcripts"`
	ArgumentGraph json.RawMessage `json:"argument_graph"`
}

// GraphUpdate is the decoded body of an argument_update frame.
type GraphUpdate struct {
	Payload    GraphPayload
	LatestNode *LatestNode
}

// AnchorRef identifies an anchor for removal.
type AnchorRef struct {
	TurnID   int    `json:"turnId"`
	Position int    `json:"position"`
	UserID   string `json:"userId"`
}

// Envelope is one decoded server event. Exactly the field matching Type is
// populated.
type Envelope struct {
	Type         string
	InitialState *InitialState
	Graph        *GraphUpdate
	Turn         *Turn
	MessageCount *int
	Name         string
	Participants []string
	Anchor       *Anchor
	AnchorRef    *AnchorRef
	Active       []SessionInfo
}

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1}
	}
}`

const transcriptSchemaJSON = `{
	"type": "object",
	"required": ["turn_id", "speaker", "transcript"],
	"properties": {
		"turn_id": {"type": "integer", "minimum": 0},
		"speaker": {"type": "string"},
		"transcript": {"type": "string"},
		"timestamp": {"type": "string"}
	}
}`

const anchorSchemaJSON = `{
	"type": "object",
	"required": ["position", "length", "turnId", "userId"],
	"properties": {
		"position": {"type": "integer", "minimum": 0},
		"length": {"type": "integer", "exclusiveMinimum": 0},
		"word": {"type": "string"},
		"turnId": {"type": "integer", "minimum": 0},
		"userId": {"type": "string", "minLength": 1}
	}
}`

var (
	envelopeSchema   = mustCompileSchema("reasonance://schema/envelope.json", envelopeSchemaJSON)
	transcriptSchema = mustCompileSchema("reasonance://schema/transcript.json", transcriptSchemaJSON)
	anchorSchema     = mustCompileSchema("reasonance://schema/anchor.json", anchorSchemaJSON)
)

func mustCompileSchema(url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", url, err))
	}
	return schema
}

// ParseEnvelope decodes one raw text frame into a discriminated Envelope.
// Malformed frames return ErrMalformedFrame; frames with an unrecognized
// type return ErrUnknownEventType. Both are non-fatal: callers log and drop.
func ParseEnvelope(frame []byte) (Envelope, error) {
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(frame)))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := envelopeSchema.Validate(decoded); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	root, ok := decoded.(map[string]any)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}
	eventType, _ := root["type"].(string)
	envelope := Envelope{Type: eventType}

	switch eventType {
	case EventKeepalive, EventConnected:
		return envelope, nil

	case EventInitialState:
		var state InitialState
		if err := json.Unmarshal(frame, &state); err != nil {
			return Envelope{}, fmt.Errorf("%w: initial_state: %v", ErrMalformedFrame, err)
		}
		envelope.InitialState = &state
		return envelope, nil

	case EventArgumentUpdate:
		update, err := parseGraphUpdate(frame)
		if err != nil {
			return Envelope{}, err
		}
		envelope.Graph = update
		return envelope, nil

	case EventTranscript:
		if err := validateSubtree(transcriptSchema, root, "data"); err != nil {
			return Envelope{}, err
		}
		var body struct {
			Data         *Turn `json:"data"`
			MessageCount *int  `json:"message_count"`
		}
		if err := json.Unmarshal(frame, &body); err != nil || body.Data == nil {
			return Envelope{}, fmt.Errorf("%w: transcript: %v", ErrMalformedFrame, err)
		}
		envelope.Turn = body.Data
		envelope.MessageCount = body.MessageCount
		return envelope, nil

	case EventParticipantJoined, EventParticipantLeft, EventParticipantUpdate:
		var body struct {
			Name         string    `json:"name"`
			Participants *[]string `json:"participants"`
		}
		if err := json.Unmarshal(frame, &body); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, eventType, err)
		}
		envelope.Name = body.Name
		if body.Participants != nil {
			envelope.Participants = append([]string{}, (*body.Participants)...)
		}
		return envelope, nil

	case EventAnchorAdded, EventAnchorCreated:
		if err := validateSubtree(anchorSchema, root, "data"); err != nil {
			return Envelope{}, err
		}
		var body struct {
			Data *Anchor `json:"data"`
		}
		if err := json.Unmarshal(frame, &body); err != nil || body.Data == nil {
			return Envelope{}, fmt.Errorf("%w: anchor: %v", ErrMalformedFrame, err)
		}
		envelope.Anchor = body.Data
		return envelope, nil

	case EventAnchorRemoved:
		var body struct {
			Data *AnchorRef `json:"data"`
		}
		if err := json.Unmarshal(frame, &body); err != nil || body.Data == nil {
			return Envelope{}, fmt.Errorf("%w: remove: %v", ErrMalformedFrame, err)
		}
		envelope.AnchorRef = body.Data
		return envelope, nil

	case EventSessionsUpdate:
		var body struct {
			Active []SessionInfo `json:"active"`
		}
		if err := json.Unmarshal(frame, &body); err != nil {
			return Envelope{}, fmt.Errorf("%w: sessions_update: %v", ErrMalformedFrame, err)
		}
		envelope.Active = body.Active
		return envelope, nil
	}

	return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
}

func parseGraphUpdate(frame []byte) (*GraphUpdate, error) {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &body); err != nil {
		return nil, fmt.Errorf("%w: argument_update: %v", ErrMalformedFrame, err)
	}
	raw := body.Data
	var latest *LatestNode
	if len(raw) > 0 {
		// The payload is either {"graph": ..., "latest_node": ...} or the
		// graph object itself.
		var wrapped struct {
			Graph      json.RawMessage `json:"graph"`
			LatestNode *LatestNode     `json:"latest_node"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Graph) > 0 {
			raw = wrapped.Graph
			latest = wrapped.LatestNode
		}
	}
	payload, err := DecodeGraphPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: argument_update: %v", ErrMalformedFrame, err)
	}
	return &GraphUpdate{Payload: payload, LatestNode: latest}, nil
}

func validateSubtree(schema *jsonschema.Schema, root map[string]any, key string) error {
	subtree, ok := root[key]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrMalformedFrame, key)
	}
	if err := schema.Validate(subtree); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// IsKeepalive reports whether a raw frame is a keepalive, without decoding
// the full envelope. The stream client uses it to drop keepalives before
// they reach the handler.
func IsKeepalive(frame []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return false
	}
	return probe.Type == EventKeepalive
}
