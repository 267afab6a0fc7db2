package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/eloward/rankbadges/telemetry"
)

// ErrClosed is returned for calls on a closed WebSocket client.
var ErrClosed = errors.New("messaging: connection closed")

const writeTimeout = 5 * time.Second

// WebSocketHandler serves the contract over a WebSocket. Each text frame is one
// Envelope; each reply frame is one Reply. Requests are handled concurrently
// and replies may arrive out of order, matched by id.
func WebSocketHandler(r *Router, opts *websocket.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, opts)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx := req.Context()
		log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "messaging"))
		var wmu sync.Mutex
		write := func(reply Reply) {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			wmu.Lock()
			defer wmu.Unlock()
			if err := wsjson.Write(wctx, conn, reply); err != nil {
				log.Debug("reply write failed", slog.Any("err", err))
			}
		}

		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("websocket read ended", slog.Any("err", err))
				}
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				write(errReply("", fmt.Errorf("%w: %v", ErrBadPayload, err)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				write(r.Dispatch(ctx, env))
			}()
		}
	}
}

// WSClient is a Transport over one WebSocket connection.
type WSClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Reply
	closed  bool
	wmu     sync.Mutex
	done    chan struct{}
}

// DialWS connects to a WebSocketHandler endpoint.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &WSClient{conn: conn, pending: make(map[string]chan Reply), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		var reply Reply
		if err := wsjson.Read(context.Background(), c.conn, &reply); err != nil {
			c.mu.Lock()
			c.closed = true
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		delete(c.pending, reply.ID)
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// RoundTrip sends env and waits for the reply with the same id.
func (c *WSClient) RoundTrip(ctx context.Context, env Envelope) (Reply, error) {
	ch := make(chan Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply{}, ErrClosed
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	c.wmu.Lock()
	err := wsjson.Write(wctx, c.conn, env)
	c.wmu.Unlock()
	cancel()
	if err != nil {
		forget()
		return Reply{}, fmt.Errorf("write %s: %w", env.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return Reply{}, ctx.Err()
	}
}

// Close shuts the connection down and fails pending calls.
func (c *WSClient) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}
