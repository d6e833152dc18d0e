// Package api is the request/response client for the Reasonance server. It
// covers every endpoint the sync engine consumes; the one-way event streams
// live in the stream package.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrFileTooLarge = errors.New("audio file exceeds upload limit")
	ErrEmptyAudio   = errors.New("audio file is empty")
)

// MaxUploadBytes is the client-side audio upload limit, enforced before any
// network call.
const MaxUploadBytes = 25 << 20

type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// IsNotFound reports whether err is an HTTP 404 from the server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

type SessionInfo struct {
	SessionID        string `json:"session_id"`
	ParticipantCount int    `json:"participant_count"`
	CreatedAt        string `json:"created_at"`
	TranscriptCount  int    `json:"transcript_count"`
	IsArchived       bool   `json:"is_archived"`
}

type Turn struct {
	TurnID    int      `json:"turn_id"`
	Speaker   string   `json:"speaker"`
	Text      string   `json:"transcript"`
	Timestamp string   `json:"timestamp"`
	Anchors   []Anchor `json:"anchors,omitempty"`
}

type Anchor struct {
	Position  int    `json:"position"`
	Length    int    `json:"length"`
	Word      string `json:"word"`
	TurnID    int    `json:"turnId"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Metadata struct {
	CreatedAt        string   `json:"created_at"`
	ArchivedAt       string   `json:"archived_at,omitempty"`
	Participants     []string `json:"participants"`
	SessionID        string   `json:"session_id"`
	IsArchived       bool     `json:"is_archived"`
	TranscriptCount  int      `json:"transcript_count,omitempty"`
	ParticipantCount int      `json:"participant_count,omitempty"`
}

// SessionData is the full timeline of a session, active or archived.
type SessionData struct {
	Transcripts   []Turn          `json:"transcripts"`
	Anchors       []Anchor        `json:"anchors"`
	ArgumentGraph json.RawMessage `json:"argument_graph"`
	Metadata      Metadata        `json:"metadata"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) CreateSession(ctx context.Context, participantName string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]string{"participant_name": participantName}
	if err := c.doJSON(ctx, http.MethodPost, "/start-session", body, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID, participantName string) error {
	body := map[string]string{"participant_name": participantName}
	return c.doJSON(ctx, http.MethodPost, "/join-session/"+url.PathEscape(sessionID), body, nil)
}

func (c *Client) LeaveSession(ctx context.Context, sessionID, participantName string) error {
	body := map[string]string{"participant_name": participantName}
	return c.doJSON(ctx, http.MethodPost, "/leave-session/"+url.PathEscape(sessionID), body, nil)
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListArchivedSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/archived-sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionData fetches the full timeline of a session. The server answers for
// archived sessions too, so this backs the export command.
func (c *Client) SessionData(ctx context.Context, sessionID string) (SessionData, error) {
	var out SessionData
	err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

func (c *Client) SessionTranscripts(ctx context.Context, sessionID string) ([]Turn, error) {
	var out struct {
		Transcripts []Turn `json:"transcripts"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/session-transcripts/"+url.PathEscape(sessionID), nil, &out)
	return out.Transcripts, err
}

func (c *Client) SessionParticipants(ctx context.Context, sessionID string) ([]string, error) {
	var out struct {
		Participants []string `json:"participants"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/participants", nil, &out)
	return out.Participants, err
}

func (c *Client) SessionAnchors(ctx context.Context, sessionID string) ([]Anchor, error) {
	var out struct {
		Anchors []Anchor `json:"anchors"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/anchors", nil, &out)
	return out.Anchors, err
}

func (c *Client) ArgumentGraph(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/argument-graph", nil, &out)
	return out, err
}

// SendMessage submits a typed turn and returns the assigned turn id.
func (c *Client) SendMessage(ctx context.Context, sessionID, speaker, message string) (int, error) {
	var out struct {
		TurnID int `json:"turn_id"`
	}
	body := map[string]string{"message": message, "speaker": speaker}
	err := c.doJSON(ctx, http.MethodPost, "/send-message/"+url.PathEscape(sessionID), body, &out)
	return out.TurnID, err
}

func (c *Client) CreateAnchor(ctx context.Context, sessionID string, anchor Anchor) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/anchors", anchor, nil)
}

func (c *Client) DeleteAnchor(ctx context.Context, sessionID string, turnID, position int, userID string) error {
	path := fmt.Sprintf("/session/%s/anchors/%d/%d", url.PathEscape(sessionID), turnID, position)
	body := map[string]string{"userId": userID}
	return c.doJSON(ctx, http.MethodDelete, path, body, nil)
}

func (c *Client) ArchiveSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
}

// UploadAudio sends a recording for transcription and returns the turn id of
// the placeholder transcript. Size and emptiness are validated before any
// network traffic.
func (c *Client) UploadAudio(ctx context.Context, sessionID, filePath, speaker string) (int, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, ErrEmptyAudio
	}
	if info.Size() > MaxUploadBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", filepath.Base(filePath))
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return 0, err
	}
	if err := writer.WriteField("speaker", speaker); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/upload-audio/"+url.PathEscape(sessionID), &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Correlation-Id", correlationID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, decodeHTTPError(resp.StatusCode, payload)
	}
	var out struct {
		TurnID int `json:"turn_id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return 0, err
	}
	return out.TurnID, nil
}

// SessionEventsURL is the stream endpoint for one session's channel.
func (c *Client) SessionEventsURL(sessionID string) string {
	return wsURL(c.baseURL) + "/session/" + url.PathEscape(sessionID) + "/events"
}

// GlobalEventsURL is the stream endpoint for the session directory channel.
func (c *Client) GlobalEventsURL() string {
	return wsURL(c.baseURL) + "/events"
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		return decodeHTTPError(resp.StatusCode, payload)
	}
}

func decodeHTTPError(statusCode int, payload []byte) error {
	var errPayload struct {
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{StatusCode: statusCode, Detail: errPayload.Detail}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "req_" + uuid.NewString()
}
