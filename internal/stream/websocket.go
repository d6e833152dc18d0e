package stream

import (
	"context"

	"nhooyr.io/websocket"
)

// Event frames are small JSON objects; one megabyte leaves generous headroom
// for initial_state snapshots of long discussions.
const maxFrameBytes = 1 << 20

type websocketConn struct {
	conn *websocket.Conn
}

func websocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &websocketConn{conn: conn}, nil
}

// ReadText returns the next text frame, ignoring any non-text messages.
func (c *websocketConn) ReadText(ctx context.Context) ([]byte, error) {
	for {
		messageType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if messageType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
