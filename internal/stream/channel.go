// Package stream implements the reconnecting one-way event subscription used
// for both the per-session channel and the global session directory channel.
// The two channels share the reconnection policy but never share state.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrChannelFailed = errors.New("channel failed after retry exhaustion")

// Handler receives raw text frames in arrival order. Keepalive frames are
// dropped before the handler. Handlers must not call Channel.Close.
type Handler func(frame []byte)

type Logger interface {
	Printf(format string, args ...any)
}

// Conn is one open transport connection delivering text frames.
type Conn interface {
	ReadText(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a transport connection to a channel URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type Config struct {
	// MaxRetries bounds consecutive reconnect attempts. Once exhausted the
	// channel enters a terminal failed state and OnDown fires exactly once.
	MaxRetries int
	// BaseDelay scales the linear backoff: attempt n waits BaseDelay * n.
	BaseDelay time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// Dialer defaults to the websocket transport.
	Dialer Dialer
	Logger Logger
	// OnDown surfaces the terminal connection-lost error to the user.
	OnDown func(err error)
}

// Channel owns one streaming subscription and keeps it alive across
// transport failures with bounded linear backoff.
type Channel struct {
	url     string
	handler Handler
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	conn       Conn
	retryCount int
	failed     bool
	closing    bool
	lastErr    error

	closeOnce sync.Once
	downOnce  sync.Once
}

// Open starts the subscription and returns immediately. Frames flow to the
// handler until Close is called or retries are exhausted.
func Open(url string, handler Handler, cfg Config) *Channel {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocketDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:     url,
		handler: handler,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		dialCtx, dialCancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.cfg.Dialer(dialCtx, c.url)
		dialCancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if !c.scheduleRetry(err) {
				return
			}
			continue
		}
		if !c.adopt(conn) {
			_ = conn.Close()
			return
		}
		err = c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil || c.isClosing() {
			return
		}
		if !c.scheduleRetry(err) {
			return
		}
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		frame, err := conn.ReadText(c.ctx)
		if err != nil {
			return err
		}
		if isKeepaliveFrame(frame) {
			continue
		}
		c.handler(frame)
	}
}

// adopt installs the open connection, resets the retry counter, and clears
// any pending error state. It refuses the connection when the channel was
// closed while dialing.
func (c *Channel) adopt(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.conn = conn
	c.retryCount = 0
	c.lastErr = nil
	return true
}

func (c *Channel) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// scheduleRetry waits out the linear backoff for the next reconnect attempt.
// It returns false once retries are exhausted, after surfacing the terminal
// error exactly once.
func (c *Channel) scheduleRetry(cause error) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	if c.retryCount >= c.cfg.MaxRetries {
		c.failed = true
		c.lastErr = cause
		c.mu.Unlock()
		c.logf("stream: %s: connection lost after %d retries: %v", c.url, c.cfg.MaxRetries, cause)
		c.downOnce.Do(func() {
			if c.cfg.OnDown != nil {
				c.cfg.OnDown(cause)
			}
		})
		return false
	}
	c.retryCount++
	attempt := c.retryCount
	c.mu.Unlock()

	delay := c.cfg.BaseDelay * time.Duration(attempt)
	c.logf("stream: %s: reconnect %d/%d in %s: %v", c.url, attempt, c.cfg.MaxRetries, delay, cause)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Failed reports whether the channel reached the terminal failed state.
func (c *Channel) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Err returns the error that put the channel into the failed state, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.failed {
		return nil
	}
	if c.lastErr == nil {
		return ErrChannelFailed
	}
	return c.lastErr
}

// Close tears the channel down: it cancels any pending reconnect timer,
// marks the shutdown as intentional before touching the transport so the
// read-failure path cannot race a spurious reconnect, then closes the
// connection and waits for the frame pump to stop. After Close returns no
// further frames reach the handler. Close is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		c.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-c.done
}

func (c *Channel) logf(format string, args ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Printf(format, args...)
}

func isKeepaliveFrame(frame []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return false
	}
	return probe.Type == "keepalive"
}
