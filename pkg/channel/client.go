package channel

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// Client makes calls against a running Server
type Client struct {
	conn *websocket.Conn
	seq  atomic.Uint64
}

// Dial connects to a server websocket URL such as ws://127.0.0.1:8765/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return &Client{conn: conn}, nil
}

// Call sends one request and waits for its reply. Events received while
// waiting go to onEvent when it is non-nil.
func (c *Client) Call(ctx context.Context, method string, args any, onEvent func(Message)) (Message, error) {
	req := Request{ID: c.seq.Inc(), Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Message{}, errors.Wrap(err, "failed to encode arguments")
		}
		req.Args = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Message{}, errors.Wrap(err, "failed to encode request")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return Message{}, errors.Wrap(err, "failed to send request")
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Message{}, errors.Wrap(err, "failed to read reply")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return Message{}, errors.Wrap(err, "malformed reply")
		}
		switch {
		case msg.Type == MsgEvent:
			if onEvent != nil {
				onEvent(msg)
			}
		case msg.ID == req.ID:
			return msg, nil
		}
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
