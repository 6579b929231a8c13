package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"gatelink/pkg/diag"
)

// RequestExecutor overrides how Request executes a single logical call.
// Tests install one to bypass the transport entirely.
type RequestExecutor func(ctx context.Context, method string, params any) (json.RawMessage, error)

// Options configures a Client. URL and Token are required for Connect; the
// rest have workable defaults.
type Options struct {
	URL        string
	Token      string
	HealthURL  string
	ClientName string
	Version    string
	Sink       diag.Sink
}

var requestRetryDelays = []time.Duration{
	0,
	150 * time.Millisecond,
	400 * time.Millisecond,
	900 * time.Millisecond,
}

// reconnectLadder is indexed by attempt-1 and clamps at the last rung.
var reconnectLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Client maintains one logical connection to the gateway across channel
// failures. All mutable connection state is confined behind mu; the
// reconnect supervisor is the only long-lived goroutine it owns, and at
// most one runs at a time.
type Client struct {
	opts Options
	sink diag.Sink
	dist *Distributor
	http *http.Client

	// dial is swapped in tests.
	dial func(ctx context.Context, cfg ChannelConfig) (Transport, error)

	mu              sync.Mutex
	state           State
	listeners       map[int]StateListener
	nextListenerID  int
	transport       Transport
	channelGen      int
	intentional     bool
	reconnectCancel context.CancelFunc
	reconnectGen    int
	executor        RequestExecutor

	activeRuns    map[string]string
	pendingResync map[string]struct{}

	// notifyMu makes a state mutation and its listener emission atomic, so
	// listeners see transitions in the order they took effect even when they
	// originate from different goroutines. Lock order: notifyMu before mu.
	notifyMu sync.Mutex
}

func NewClient(opts Options) *Client {
	sink := opts.Sink
	if sink == nil {
		sink = diag.NopSink{}
	}
	if opts.ClientName == "" {
		opts.ClientName = "gatelink"
	}
	return &Client{
		opts:          opts,
		sink:          sink,
		dist:          NewDistributor(sink),
		http:          &http.Client{},
		dial:          DialChannel,
		state:         stateDisconnected(),
		listeners:     make(map[int]StateListener),
		activeRuns:    make(map[string]string),
		pendingResync: make(map[string]struct{}),
	}
}

// Distributor exposes the event fan-out for subscription APIs.
func (c *Client) Distributor() *Distributor { return c.dist }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddStateListener registers a listener for state transitions and returns
// its id. The current state is not replayed.
func (c *Client) AddStateListener(l StateListener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	c.listeners[c.nextListenerID] = l
	return c.nextListenerID
}

func (c *Client) RemoveStateListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// SetRequestExecutor installs an override for Request. Passing nil restores
// transport execution.
func (c *Client) SetRequestExecutor(exec RequestExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = exec
}

func (c *Client) setState(s State) {
	// notifyMu spans both the mutation and the emission so listeners observe
	// transitions in the order they took effect. It is never acquired while
	// holding mu, so the mu acquisition below cannot deadlock.
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.state = s
	ls := make([]StateListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(s)
	}
	c.sink.Emit(diag.LevelDebug, "client", "state", map[string]any{"state": s.String()})
}

// Connect establishes the channel. It cancels any in-flight reconnect loop
// first; an explicit call always supersedes automatic recovery.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.cancelReconnectLocked()
	c.intentional = false
	old := c.transport
	c.transport = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.setState(stateConnecting())

	if err := c.establish(ctx); err != nil {
		c.setState(stateFailed(err.Error()))
		return err
	}
	c.setState(stateConnected())
	return nil
}

// establish performs the health pre-check and dial, then installs the new
// channel. The caller owns the surrounding state transitions.
func (c *Client) establish(ctx context.Context) error {
	if healthPrecheckEligible(c.opts.URL) {
		if err := checkHealth(ctx, c.http, c.opts.URL, c.opts.HealthURL); err != nil {
			return err
		}
	}

	t, err := c.dial(ctx, ChannelConfig{
		URL:        c.opts.URL,
		Token:      c.opts.Token,
		ClientName: c.opts.ClientName,
		Version:    c.opts.Version,
		OnEvent:    c.dist.Dispatch,
		Sink:       c.sink,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.channelGen++
	gen := c.channelGen
	c.transport = t
	c.mu.Unlock()

	go c.watchChannel(t, gen)
	return nil
}

// watchChannel waits for the channel to die and routes the disconnect into
// the disposition logic. Generation matching drops signals from channels
// already replaced by a newer connect.
func (c *Client) watchChannel(t Transport, gen int) {
	<-t.Done()

	c.mu.Lock()
	if c.channelGen != gen || c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	intentional := c.intentional
	c.mu.Unlock()

	reason := t.DisconnectReason()

	// Consumers get a synthetic push before any classification so they can
	// react to the loss immediately.
	c.dist.Dispatch(EventFrame{Event: "disconnected", Payload: mustMarshal(map[string]any{"reason": reason})})

	disp := ClassifyDisconnect(reason, intentional)
	c.sink.Emit(diag.LevelInfo, "client", "disconnected",
		map[string]any{"reason": reason, "disposition": disp.String()})

	switch disp {
	case DispositionIntentional:
		c.setState(stateDisconnected())
	case DispositionAuthFailure:
		c.mu.Lock()
		c.cancelReconnectLocked()
		c.mu.Unlock()
		c.setState(stateFailed(reason))
	case DispositionSlowConsumer:
		c.setState(stateDisconnected())
		c.startReconnect(true)
	default:
		c.setState(stateDisconnected())
		c.startReconnect(false)
	}
}

// Disconnect closes the channel deliberately and stops any recovery. When a
// channel is live its watcher emits the synthetic push and the Disconnected
// transition; otherwise the transition is emitted here.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.cancelReconnectLocked()
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		t.Close()
		return
	}
	c.setState(stateDisconnected())
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

// startReconnect launches the supervisor unless one is already running.
func (c *Client) startReconnect(immediate bool) {
	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.reconnectGen++
	gen := c.reconnectGen
	c.mu.Unlock()

	go c.runReconnect(ctx, gen, immediate)
}

// baseBackoff is the undithered delay before reconnect attempt n. Attempt 1
// is immediate when the trigger asks for it; otherwise the ladder applies
// from the first attempt and clamps at its last rung.
func baseBackoff(attempt int, immediate bool) time.Duration {
	if attempt == 1 && immediate {
		return 0
	}
	idx := attempt - 1
	if idx >= len(reconnectLadder) {
		idx = len(reconnectLadder) - 1
	}
	return reconnectLadder[idx]
}

// applyJitter spreads a delay by ±25% with a 1s floor for nonzero delays.
func applyJitter(d time.Duration, rng *rand.Rand) time.Duration {
	if d == 0 {
		return 0
	}
	spread := time.Duration(float64(d) * 0.25)
	jittered := d - spread + time.Duration(rng.Int63n(int64(2*spread)+1))
	if jittered < time.Second {
		jittered = time.Second
	}
	return jittered
}

func (c *Client) runReconnect(ctx context.Context, gen int, immediate bool) {
	defer func() {
		c.mu.Lock()
		// A cancelled loop may unwind after a newer supervisor has started;
		// only the current generation owns the cancel slot.
		if c.reconnectGen == gen {
			c.reconnectCancel = nil
		}
		c.mu.Unlock()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 1
	for {
		c.setState(stateReconnecting(attempt))
		delay := applyJitter(baseBackoff(attempt, immediate), rng)
		if !sleepCtx(ctx, delay) {
			return
		}

		c.mu.Lock()
		stale := c.transport
		c.transport = nil
		c.mu.Unlock()
		if stale != nil {
			stale.Close()
		}

		err := c.establish(ctx)
		if err == nil {
			// Presence and run resync go out before the recovery pulse so
			// consumers reacting to Connected see refreshed run state.
			c.afterReconnect(ctx)
			c.setState(stateReconnected())
			c.setState(stateConnected())
			return
		}
		if ctx.Err() != nil {
			return
		}
		if retryAfterMs, ok := IsRateLimited(err); ok {
			wait := time.Duration(retryAfterMs) * time.Millisecond
			if wait < time.Second {
				wait = time.Second
			}
			c.sink.Emit(diag.LevelWarn, "client", "reconnect_rate_limited",
				map[string]any{"wait_ms": wait.Milliseconds()})
			if !sleepCtx(ctx, wait) {
				return
			}
			// Rate limiting is a pacing signal, not a failed attempt.
			continue
		}
		if IsAuthError(err) {
			c.setState(stateFailed(err.Error()))
			return
		}
		c.sink.Emit(diag.LevelWarn, "client", "reconnect_failed",
			map[string]any{"attempt": attempt, "error": err.Error()})
		attempt++
	}
}

// afterReconnect re-announces presence and pulls authoritative status for
// every tracked run. Both are best effort.
func (c *Client) afterReconnect(ctx context.Context) {
	if err := c.AnnouncePresence(ctx); err != nil {
		c.sink.Emit(diag.LevelWarn, "client", "presence_failed", map[string]any{"error": err.Error()})
	}
	c.Refresh(ctx, "")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Request performs one logical RPC with bounded retry. Each attempt sends
// over whatever channel is current; a missing channel fails that attempt
// without rebuilding the connection. After all attempts the last classified
// error is returned.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	exec := c.executor
	c.mu.Unlock()
	if exec != nil {
		return exec(ctx, method, params)
	}

	var lastErr error
	for attempt, delay := range requestRetryDelays {
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}

		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			lastErr = ErrNoChannel
			continue
		}

		payload, err := t.Request(ctx, method, params)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.sink.Emit(diag.LevelDebug, "client", "request_retry",
			map[string]any{"method": method, "attempt": attempt + 1, "error": err.Error()})
	}
	return nil, lastErr
}
