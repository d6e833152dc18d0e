package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/send-message/s1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("missing correlation id header")
		}
		var body struct {
			Message string `json:"message"`
			Speaker string `json:"speaker"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Message != "hello" || body.Speaker != "ada" {
			t.Errorf("body = %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"turn_id": 7}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	turnID, err := client.SendMessage(context.Background(), "s1", "ada", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if turnID != 7 {
		t.Fatalf("turn id = %d, want 7", turnID)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	if _, err := client.ListSessions(context.Background()); err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("server hits = %d, want 3", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "Session not found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	err := client.JoinSession(context.Background(), "missing", "ada")
	if err == nil {
		t.Fatal("JoinSession succeeded for missing session")
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound = false for %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Detail != "Session not found" {
		t.Fatalf("error = %v, want detail from response body", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("server hits = %d, 4xx must not be retried", got)
	}
}

func TestDeleteAnchorPathAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/session/s1/anchors/4/12" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID != "u1" {
			t.Errorf("body userId = %q (err %v)", body.UserID, err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	if err := client.DeleteAnchor(context.Background(), "s1", 4, 12, "u1"); err != nil {
		t.Fatalf("DeleteAnchor: %v", err)
	}
}

func TestUploadAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("speaker"); got != "ada" {
			t.Errorf("speaker = %q", got)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("audio part: %v", err)
		} else {
			file.Close()
			if header.Filename != "take.wav" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		w.Write([]byte(`{"turn_id": 5}`))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "take.wav")
	if err := os.WriteFile(path, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	client := NewClient(server.URL, nil)
	turnID, err := client.UploadAudio(context.Background(), "s1", path, "ada")
	if err != nil {
		t.Fatalf("UploadAudio: %v", err)
	}
	if turnID != 5 {
		t.Fatalf("turn id = %d, want 5", turnID)
	}
}

func TestUploadAudioValidatesBeforeNetwork(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()
	client := NewClient(server.URL, nil)
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := client.UploadAudio(context.Background(), "s1", empty, "ada"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}

	huge := filepath.Join(dir, "huge.wav")
	f, err := os.Create(huge)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	if err := f.Truncate(MaxUploadBytes + 1); err != nil {
		t.Fatalf("truncate fixture: %v", err)
	}
	f.Close()
	if _, err := client.UploadAudio(context.Background(), "s1", huge, "ada"); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("error = %v, want ErrFileTooLarge", err)
	}

	if _, err := client.UploadAudio(context.Background(), "s1", filepath.Join(dir, "missing.wav"), "ada"); err == nil {
		t.Fatal("upload of a missing file succeeded")
	}

	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("server hits = %d, validation must happen before any request", got)
	}
}

func TestSessionData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/s1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"transcripts": [{"turn_id": 1, "speaker": "ada", "transcript": "hi", "timestamp": "t1"}],
			"anchors": [{"position": 0, "length": 2, "word": "hi", "turnId": 1, "userId": "u1"}],
			"argument_graph": {"nodes": {"1": {"type": "claim"}}, "edges": []},
			"metadata": {"session_id": "s1", "participants": ["ada"], "is_archived": true, "created_at": "t0"}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	data, err := client.SessionData(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionData: %v", err)
	}
	if len(data.Transcripts) != 1 || data.Transcripts[0].Text != "hi" {
		t.Fatalf("transcripts = %+v", data.Transcripts)
	}
	if len(data.Anchors) != 1 || data.Anchors[0].TurnID != 1 {
		t.Fatalf("anchors = %+v", data.Anchors)
	}
	if !data.Metadata.IsArchived || data.Metadata.SessionID != "s1" {
		t.Fatalf("metadata = %+v", data.Metadata)
	}
	if !strings.Contains(string(data.ArgumentGraph), `"claim"`) {
		t.Fatalf("argument graph = %s", data.ArgumentGraph)
	}
}

func TestSessionAccessors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/s1/participants":
			w.Write([]byte(`{"participants": ["ada", "bob"]}`))
		case "/session/s1/anchors":
			w.Write([]byte(`{"anchors": [{"position": 5, "length": 5, "word": "claim", "turnId": 2, "userId": "u1"}]}`))
		case "/session/s1/argument-graph":
			w.Write([]byte(`{"nodes": {"1": {"type": "claim"}}, "edges": []}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	client := NewClient(server.URL, nil)

	participants, err := client.SessionParticipants(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionParticipants: %v", err)
	}
	if len(participants) != 2 || participants[0] != "ada" {
		t.Fatalf("participants = %v", participants)
	}

	anchors, err := client.SessionAnchors(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionAnchors: %v", err)
	}
	if len(anchors) != 1 || anchors[0].Word != "claim" || anchors[0].TurnID != 2 {
		t.Fatalf("anchors = %+v", anchors)
	}

	graph, err := client.ArgumentGraph(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ArgumentGraph: %v", err)
	}
	if !strings.Contains(string(graph), `"claim"`) {
		t.Fatalf("argument graph = %s", graph)
	}
}

func TestEventURLSchemes(t *testing.T) {
	client := NewClient("http://example.com:8000", nil)
	if got := client.SessionEventsURL("s 1"); got != "ws://example.com:8000/session/s%201/events" {
		t.Fatalf("session events url = %q", got)
	}
	if got := client.GlobalEventsURL(); got != "ws://example.com:8000/events" {
		t.Fatalf("global events url = %q", got)
	}

	secure := NewClient("https://example.com", nil)
	if got := secure.GlobalEventsURL(); got != "wss://example.com/events" {
		t.Fatalf("secure events url = %q", got)
	}
}
