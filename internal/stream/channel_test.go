package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn delivers scripted frames, then fails with a transport error once
// its frame channel is closed.
type fakeConn struct {
	frames    chan []byte
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) ReadText(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c.frames:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return frame, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.frames) })
	return nil
}

func collectFrames() (Handler, *[]string, *sync.Mutex) {
	var mu sync.Mutex
	var got []string
	handler := func(frame []byte) {
		mu.Lock()
		got = append(got, string(frame))
		mu.Unlock()
	}
	return handler, &got, &mu
}

func waitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFramesReachHandlerKeepalivesDropped(t *testing.T) {
	conn := newFakeConn()
	conn.frames <- []byte(`{"type": "keepalive"}`)
	conn.frames <- []byte(`{"type": "transcript", "data": {}}`)
	conn.frames <- []byte(`{"type": "keepalive"}`)
	conn.frames <- []byte(`{"type": "participant_joined", "name": "ada"}`)

	handler, got, mu := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
	})
	defer channel.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) >= 2
	}, "frames to arrive")

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("handler saw %d frames, want 2: %v", len(*got), *got)
	}
	for _, frame := range *got {
		if frame == `{"type": "keepalive"}` {
			t.Fatal("keepalive reached the handler")
		}
	}
}

func TestReconnectsAfterTransportFailure(t *testing.T) {
	var dials int32
	second := newFakeConn()
	second.frames <- []byte(`{"type": "transcript", "data": {}}`)

	handler, got, mu := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			switch atomic.AddInt32(&dials, 1) {
			case 1:
				return nil, errors.New("refused")
			case 2:
				failing := newFakeConn()
				failing.Close()
				return failing, nil
			default:
				return second, nil
			}
		},
	})
	defer channel.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	}, "frame after reconnects")

	if channel.Failed() {
		t.Fatal("channel failed despite eventual success")
	}
	if atomic.LoadInt32(&dials) < 3 {
		t.Fatalf("dials = %d, want at least 3", dials)
	}
}

func TestRetryCounterResetsOnSuccess(t *testing.T) {
	// Every other dial succeeds with a connection that dies immediately, so
	// each cycle burns one read failure and one dial failure. The channel
	// only survives repeated cycles if a successful connect resets the
	// retry budget.
	var dials int32
	var downs int32
	handler, _, _ := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			n := atomic.AddInt32(&dials, 1)
			if n%2 == 1 {
				conn := newFakeConn()
				conn.Close()
				return conn, nil
			}
			return nil, errors.New("refused")
		},
		OnDown: func(err error) { atomic.AddInt32(&downs, 1) },
	})
	defer channel.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&dials) >= 8 }, "repeated reconnect cycles")
	if channel.Failed() {
		t.Fatal("channel failed even though every retry budget was reset by a successful dial")
	}
	if atomic.LoadInt32(&downs) != 0 {
		t.Fatal("OnDown fired for a channel that kept recovering")
	}
}

func TestTerminalFailureAfterRetriesExhausted(t *testing.T) {
	var dials int32
	var downs int32
	downErr := make(chan error, 1)
	handler, _, _ := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("refused")
		},
		OnDown: func(err error) {
			atomic.AddInt32(&downs, 1)
			downErr <- err
		},
	})
	defer channel.Close()

	select {
	case err := <-downErr:
		if err == nil {
			t.Fatal("OnDown received nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown never fired")
	}

	waitFor(t, channel.Failed, "terminal failed state")
	if err := channel.Err(); err == nil {
		t.Fatal("Err() = nil in failed state")
	}
	// MaxRetries = 2 means the initial attempt plus two retries.
	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&downs); got != 1 {
		t.Fatalf("OnDown fired %d times, want exactly 1", got)
	}
}

func TestCloseStopsFrameDelivery(t *testing.T) {
	conn := newFakeConn()
	conn.frames <- []byte(`{"type": "transcript", "data": {}}`)

	handler, got, mu := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	}, "first frame")

	channel.Close()
	if channel.Failed() {
		t.Fatal("intentional close put the channel into the failed state")
	}

	mu.Lock()
	count := len(*got)
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != count {
		t.Fatal("frames delivered after Close returned")
	}
}

func TestCloseDuringBackoffReturnsPromptly(t *testing.T) {
	handler, _, _ := collectFrames()
	channel := Open("ws://test", handler, Config{
		MaxRetries: 1000,
		BaseDelay:  time.Hour,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return nil, errors.New("refused")
		},
	})

	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		channel.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the backoff timer")
	}
}
