package session

import (
	"errors"
	"testing"
)

func TestParseEnvelopeTranscript(t *testing.T) {
	frame := []byte(`{
		"type": "transcript",
		"data": {"turn_id": 3, "speaker": "ada", "transcript": "hello there", "timestamp": "2026-03-01T10:00:00Z"},
		"message_count": 4
	}`)
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Type != EventTranscript || envelope.Turn == nil {
		t.Fatalf("envelope = %+v, want transcript with turn", envelope)
	}
	if envelope.Turn.TurnID != 3 || envelope.Turn.Speaker != "ada" || envelope.Turn.Text != "hello there" {
		t.Fatalf("turn = %+v", envelope.Turn)
	}
	if envelope.MessageCount == nil || *envelope.MessageCount != 4 {
		t.Fatalf("message count = %v, want 4", envelope.MessageCount)
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `{"type": "transcript"`},
		{name: "missing type", frame: `{"data": {}}`},
		{name: "type not a string", frame: `{"type": 7}`},
		{name: "empty type", frame: `{"type": ""}`},
		{name: "transcript without data", frame: `{"type": "transcript"}`},
		{name: "transcript missing speaker", frame: `{"type": "transcript", "data": {"turn_id": 1, "transcript": "x"}}`},
		{name: "transcript negative turn id", frame: `{"type": "transcript", "data": {"turn_id": -1, "speaker": "a", "transcript": "x"}}`},
		{name: "anchor zero length", frame: `{"type": "add", "data": {"position": 0, "length": 0, "turnId": 1, "userId": "u"}}`},
		{name: "anchor empty user", frame: `{"type": "add", "data": {"position": 0, "length": 3, "turnId": 1, "userId": ""}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.frame)); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestParseEnvelopeUnknownType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type": "telemetry", "data": {}}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("error = %v, want ErrUnknownEventType", err)
	}
}

func TestParseEnvelopeInitialState(t *testing.T) {
	frame := []byte(`{
		"type": "initial_state",
		"participants": ["ada", "bob"],
		"transcripts": [{"turn_id": 1, "speaker": "ada", "transcript": "hi", "timestamp": "t1"}],
		"argument_graph": {"nodes": {"1": {"type": "claim"}}, "edges": []}
	}`)
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	state := envelope.InitialState
	if state == nil {
		t.Fatal("initial state missing")
	}
	if len(state.Participants) != 2 || len(state.Transcripts) != 1 {
		t.Fatalf("state = %+v", state)
	}
	if len(state.ArgumentGraph) == 0 {
		t.Fatal("argument graph not captured")
	}
}

func TestParseEnvelopeArgumentUpdateWrapped(t *testing.T) {
	frame := []byte(`{
		"type": "argument_update",
		"data": {
			"graph": {"nodes": {"1": {"type": "claim"}, "2": {"type": "counter"}}},
			"latest_node": {"id": "2", "type": "counter", "summary": "no", "speaker": "bob", "confidence": 0.82}
		}
	}`)
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Graph == nil || len(envelope.Graph.Payload.Order) != 2 {
		t.Fatalf("graph = %+v", envelope.Graph)
	}
	latest := envelope.Graph.LatestNode
	if latest == nil || latest.ID != "2" || latest.Confidence != 0.82 {
		t.Fatalf("latest node = %+v", latest)
	}
}

func TestParseEnvelopeArgumentUpdateDirectGraph(t *testing.T) {
	frame := []byte(`{
		"type": "argument_update",
		"data": {"nodes": {"1": {"type": "claim"}}, "edges": []}
	}`)
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Graph == nil || len(envelope.Graph.Payload.Order) != 1 || !envelope.Graph.Payload.HasEdges {
		t.Fatalf("graph = %+v", envelope.Graph)
	}
	if envelope.Graph.LatestNode != nil {
		t.Fatalf("latest node = %+v, want nil for direct graph payload", envelope.Graph.LatestNode)
	}
}

func TestParseEnvelopeParticipants(t *testing.T) {
	envelope, err := ParseEnvelope([]byte(`{"type": "participant_joined", "name": "carol"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Name != "carol" || envelope.Participants != nil {
		t.Fatalf("envelope = %+v", envelope)
	}

	envelope, err = ParseEnvelope([]byte(`{"type": "participant_update", "participants": ["ada", "carol"]}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(envelope.Participants) != 2 {
		t.Fatalf("participants = %v", envelope.Participants)
	}

	// An explicit empty list is distinct from an absent one.
	envelope, err = ParseEnvelope([]byte(`{"type": "participant_left", "name": "ada", "participants": []}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if envelope.Participants == nil || len(envelope.Participants) != 0 {
		t.Fatalf("participants = %#v, want present empty list", envelope.Participants)
	}
}

func TestParseEnvelopeAnchorVariants(t *testing.T) {
	for _, eventType := range []string{EventAnchorAdded, EventAnchorCreated} {
		frame := []byte(`{"type": "` + eventType + `", "data": {"position": 5, "length": 5, "word": "claim", "turnId": 2, "userId": "u1", "timestamp": "t"}}`)
		envelope, err := ParseEnvelope(frame)
		if err != nil {
			t.Fatalf("ParseEnvelope(%s): %v", eventType, err)
		}
		if envelope.Anchor == nil || envelope.Anchor.Word != "claim" || envelope.Anchor.TurnID != 2 {
			t.Fatalf("anchor = %+v", envelope.Anchor)
		}
	}
}

func TestParseEnvelopeAnchorRemove(t *testing.T) {
	envelope, err := ParseEnvelope([]byte(`{"type": "remove", "data": {"turnId": 2, "position": 5, "userId": "u1"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	ref := envelope.AnchorRef
	if ref == nil || ref.TurnID != 2 || ref.Position != 5 || ref.UserID != "u1" {
		t.Fatalf("anchor ref = %+v", ref)
	}
}

func TestParseEnvelopeSessionsUpdate(t *testing.T) {
	frame := []byte(`{
		"type": "sessions_update",
		"active": [{"session_id": "s1", "participant_count": 2, "created_at": "t", "transcript_count": 9}]
	}`)
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(envelope.Active) != 1 || envelope.Active[0].SessionID != "s1" {
		t.Fatalf("active = %+v", envelope.Active)
	}
}

func TestIsKeepalive(t *testing.T) {
	if !IsKeepalive([]byte(`{"type": "keepalive"}`)) {
		t.Fatal("keepalive frame not recognized")
	}
	if IsKeepalive([]byte(`{"type": "transcript"}`)) {
		t.Fatal("transcript frame misread as keepalive")
	}
	if IsKeepalive([]byte(`not json`)) {
		t.Fatal("garbage misread as keepalive")
	}
}
