package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"adaptivechain/consensus/types"
)

var (
	errNotConnected   = errors.New("network client not connected")
	errQueueSaturated = errors.New("network client send queue full")
)

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHeader adds handshake headers, typically from StaticTokenHeader.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) {
		for k, values := range h {
			for _, v := range values {
				c.header.Add(k, v)
			}
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake, for example
// one carrying a TLS client certificate.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client maintains the websocket session with the relay and implements
// engine.Broadcaster for the orchestrator.
type Client struct {
	endpoint   string
	node       string
	header     http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.RWMutex
	sendCh chan []byte
}

// NewClient prepares a client that identifies itself to the relay at
// endpoint as node. No connection is made until Run.
func NewClient(endpoint, node string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("network: parse relay endpoint: %w", err)
	}
	if node == "" {
		return nil, errors.New("network: node name required")
	}
	q := u.Query()
	q.Set("node", node)
	u.RawQuery = q.Encode()
	c := &Client{
		endpoint: u.String(),
		node:     node,
		header:   make(http.Header),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "relay_client"), slog.String("node", node))
	return c, nil
}

// Connected reports whether a session is currently active.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendCh != nil
}

// Broadcast implements engine.Broadcaster by enqueueing msg onto the active
// session. The call is non-blocking and fails when the queue is saturated.
func (c *Client) Broadcast(msg *types.Message) error {
	if msg == nil {
		return nil
	}
	payload, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(&Frame{Payload: payload, UnixMillis: uint64(time.Now().UnixMilli())})
	if err != nil {
		return err
	}
	c.mu.RLock()
	ch := c.sendCh
	c.mu.RUnlock()
	if ch == nil {
		return errNotConnected
	}
	select {
	case ch <- frame:
		return nil
	default:
		return errQueueSaturated
	}
}

// Run dials the relay and processes inbound frames until ctx is cancelled or
// the session ends. Gossip is decoded and passed to handleMessage together
// with the relay-reported origin; heartbeats trigger handleHeartbeat.
func (c *Client) Run(ctx context.Context, handleMessage func(origin string, msg *types.Message) error, handleHeartbeat func(time.Time)) error {
	if c == nil {
		return fmt.Errorf("nil network client")
	}
	conn, _, err := websocket.Dial(ctx, c.endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return fmt.Errorf("network: dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client closed")
	conn.SetReadLimit(maxFrameSize)

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sendCh := make(chan []byte, streamQueueSize)
	c.mu.Lock()
	c.sendCh = sendCh
	c.mu.Unlock()

	sendErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				sendErr <- nil
				return
			case frame := <-sendCh:
				writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(writeCtx, websocket.MessageBinary, frame)
				writeCancel()
				if err != nil {
					sendErr <- err
					return
				}
			}
		}
	}()

	defer func() {
		c.mu.Lock()
		c.sendCh = nil
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			werr := <-sendErr
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				return nil
			case werr != nil:
				return werr
			case parent.Err() != nil:
				return nil
			default:
				return err
			}
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}
		if frame.IsHeartbeat() {
			if handleHeartbeat != nil {
				handleHeartbeat(time.UnixMilli(int64(frame.UnixMillis)))
			}
			continue
		}
		if handleMessage == nil {
			continue
		}
		msg, err := types.DecodeMessage(frame.Payload)
		if err != nil {
			c.logger.Warn("dropping undecodable message", slog.String("origin", frame.Origin), slog.Any("error", err))
			continue
		}
		if err := handleMessage(frame.Origin, msg); err != nil {
			c.logger.Debug("message rejected",
				slog.String("origin", frame.Origin),
				slog.String("kind", msg.Kind.String()),
				slog.Any("error", err))
		}
	}
}
