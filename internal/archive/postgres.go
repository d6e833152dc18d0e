package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTimelineTableName = "reasonance_timelines"
	postgresOperationTimeout  = 5 * time.Second
)

var ErrEmptyDSN = errors.New("archive: empty postgres dsn")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSink stores timeline exports in Postgres, one row per session,
// upserted by session id. The connection and schema are established lazily
// on first use.
type PostgresSink struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSink(dsn string) (*PostgresSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	return &PostgresSink{
		dsn:       dsn,
		tableName: postgresTimelineTableName,
		openDB:    sql.Open,
	}, nil
}

// Store upserts the timeline under its session id.
func (s *PostgresSink) Store(ctx context.Context, timeline Timeline) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(timeline)
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, timeline, stored_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET timeline = EXCLUDED.timeline, stored_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(opCtx, query, timeline.SessionID, string(payload))
	return err
}

// Load fetches a previously stored timeline.
func (s *PostgresSink) Load(ctx context.Context, sessionID string) (Timeline, error) {
	if err := s.ensureReady(); err != nil {
		return Timeline{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT timeline FROM %s WHERE session_id = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(opCtx, query, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Timeline{}, fmt.Errorf("no stored timeline for session %s", sessionID)
	}
	if err != nil {
		return Timeline{}, err
	}
	var timeline Timeline
	if err := json.Unmarshal([]byte(payload), &timeline); err != nil {
		return Timeline{}, fmt.Errorf("decode timeline: %w", err)
	}
	return timeline, nil
}

func (s *PostgresSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSink) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT PRIMARY KEY,
				timeline TEXT NOT NULL,
				stored_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
