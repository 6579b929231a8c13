package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gatelink/pkg/diag"
)

// Transport is one live message channel to the gateway. It owns request/
// response correlation; retries, reconnection and state tracking live in the
// Client above it. A Transport is single-use: once closed it stays closed.
type Transport interface {
	// Request sends one request frame and waits for its matching response.
	// A failed response frame is returned as a classified error.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Close tears the channel down. Safe to call more than once.
	Close() error
	// Done is closed when the channel dies for any reason, after which
	// DisconnectReason reports why.
	Done() <-chan struct{}
	DisconnectReason() string
}

// ChannelConfig carries everything needed to open one channel.
type ChannelConfig struct {
	URL        string
	Token      string
	ClientName string
	Version    string
	// OnEvent receives every server push, in receipt order, from the
	// channel's read loop. It must not block.
	OnEvent func(EventFrame)

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Sink             diag.Sink
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	minProtocolVersion      = 1
	maxProtocolVersion      = 1
)

type pendingResponse struct {
	ch chan Frame
}

// wsChannel is the websocket Transport. All writes go through writeMu; the
// read loop is the only reader and owns teardown.
type wsChannel struct {
	conn    *websocket.Conn
	cfg     ChannelConfig
	sink    diag.Sink
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]pendingResponse
	closed   bool
	reason   string
	done     chan struct{}
}

// DialChannel opens a channel, performs the capability handshake, and starts
// the read loop. The returned Transport is ready for requests.
func DialChannel(ctx context.Context, cfg ChannelConfig) (Transport, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.NopSink{}
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, classifyDialError(err, status)
	}

	ch := &wsChannel{
		conn:    conn,
		cfg:     cfg,
		sink:    cfg.Sink,
		pending: make(map[string]pendingResponse),
		done:    make(chan struct{}),
	}

	if err := ch.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go ch.readLoop()
	ch.sink.Emit(diag.LevelInfo, "transport", "channel_open", map[string]any{"url": cfg.URL})
	return ch, nil
}

// handshake negotiates protocol version, role and scopes before the channel
// is considered usable. The gateway answers with a plain ok/err frame.
func (c *wsChannel) handshake(ctx context.Context) error {
	hello := map[string]any{
		"minProtocol": minProtocolVersion,
		"maxProtocol": maxProtocolVersion,
		"client": map[string]any{
			"name":    c.cfg.ClientName,
			"version": c.cfg.Version,
		},
		"role":   "operator",
		"scopes": []string{"chat", "sessions", "runs"},
		"auth":   map[string]any{"token": c.cfg.Token},
	}
	id := uuid.NewString()
	if err := c.writeFrame(Frame{Type: "req", ID: id, Method: "connect", Params: mustMarshal(hello)}); err != nil {
		return &NotReachableError{Cause: err}
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return classifyDialError(err, 0)
		}
		if frame.Type != "res" || frame.ID != id {
			// Gateways may push events before acking the handshake.
			continue
		}
		if !frame.OK {
			return classifyFrameError(frame.Error)
		}
		return nil
	}
}

func (c *wsChannel) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &DisconnectedError{Reason: c.reason}
	}
	pr := pendingResponse{ch: make(chan Frame, 1)}
	c.pending[id] = pr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(Frame{Type: "req", ID: id, Method: method, Params: mustMarshal(params)}); err != nil {
		return nil, &DisconnectedError{Reason: err.Error()}
	}

	select {
	case frame := <-pr.ch:
		if !frame.OK {
			return nil, classifyFrameError(frame.Error)
		}
		return frame.Payload, nil
	case <-c.done:
		return nil, &DisconnectedError{Reason: c.DisconnectReason()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsChannel) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(f)
}

// readLoop is the sole reader. It dispatches responses to waiters and events
// to the registered handler, then tears the channel down on any read error.
func (c *wsChannel) readLoop() {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.teardown(readErrorReason(err))
			return
		}
		switch frame.Type {
		case "res":
			c.mu.Lock()
			pr, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				select {
				case pr.ch <- frame:
				default:
				}
			} else {
				c.sink.Emit(diag.LevelDebug, "transport", "orphan_response", map[string]any{"id": frame.ID})
			}
		case "event":
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(EventFrame{Event: frame.Event, Seq: frame.Seq, Payload: frame.Payload})
			}
		default:
			c.sink.Emit(diag.LevelDebug, "transport", "unknown_frame", map[string]any{"type": frame.Type})
		}
	}
}

// readErrorReason renders a read failure as the disconnect reason string the
// disposition classifier sees. Close errors embed their code as "code=NNNN".
func readErrorReason(err error) string {
	var ce *websocket.CloseError
	if ok := errorsAsClose(err, &ce); ok {
		if ce.Text != "" {
			return fmt.Sprintf("closed: code=%d %s", ce.Code, ce.Text)
		}
		return fmt.Sprintf("closed: code=%d", ce.Code)
	}
	return err.Error()
}

func errorsAsClose(err error, target **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*target = ce
	}
	return ok
}

func (c *wsChannel) teardown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	// Waiters are not signalled here; they observe done and report the
	// reason themselves.
	c.mu.Unlock()

	c.conn.Close()
	close(c.done)
	c.sink.Emit(diag.LevelInfo, "transport", "channel_closed", map[string]any{"reason": reason})
}

func (c *wsChannel) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
	c.writeMu.Unlock()
	c.teardown("closed by client")
	return nil
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Params are built from plain maps and structs; a marshal failure
		// is a programming error.
		panic(fmt.Sprintf("marshal request params: %v", err))
	}
	return b
}
