// Package notify maintains the persistent realtime channel to the broker:
// one STOMP-over-WebSocket connection multiplexing the matching, call-start
// and call-end queues inbound, and the per-partner call-end address outbound.
// Failures are routed through error callbacks, never thrown into caller code
// asynchronously; only synchronous misuse (sending while disconnected)
// returns an error directly.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duetcall/duet/internal/util"
)

var (
	// ErrNotConnected is returned by SendCallEnd when the channel is down.
	// The caller decides whether that is fatal or best-effort.
	ErrNotConnected = errors.New("notify: not connected")

	// ErrReconnectExhausted means the reconnect budget is spent; the channel
	// stays down until a fresh Connect.
	ErrReconnectExhausted = errors.New("notify: max reconnect attempts reached")
)

// recentErrorCap bounds the in-memory history of protocol errors.
const recentErrorCap = 32

// wsConn is the slice of *websocket.Conn the client uses. Tests inject fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens the websocket. The default uses gorilla's dialer.
type DialFunc func(ctx context.Context, urlStr string, hdr http.Header) (wsConn, error)

func gorillaDial(ctx context.Context, urlStr string, hdr http.Header) (wsConn, error) {
	d := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	conn, resp, err := d.DialContext(ctx, urlStr, hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures the channel client.
type Options struct {
	// URL of the broker websocket endpoint, e.g. "wss://host/ws".
	URL string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// Heartbeat offered to the broker in the CONNECT frame. 0 disables.
	Heartbeat time.Duration
}

// Client is the Realtime Notification Channel. One logical connection, three
// inbound subscriptions, multi-subscriber callback registries per event kind.
type Client struct {
	opts Options
	dial DialFunc

	mu           sync.Mutex
	conn         wsConn
	state        ConnectionState
	subs         map[string]string // destination → subscription id
	generation   int               // bumped per connect/disconnect; stale loops exit
	serverBeat   time.Duration     // negotiated broker send interval, 0 = none
	lastActivity time.Time

	wmu sync.Mutex // gorilla allows one concurrent writer

	matching  registry[MatchingNotification]
	callStart registry[CallStartNotification]
	callEnd   registry[CallEndNotification]
	connSt    registry[ConnectionState]
	errs      registry[error]

	recent *util.RingBuffer[string]
}

// NewClient builds a disconnected channel client.
func NewClient(opts Options) *Client {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Client{
		opts:   opts,
		dial:   gorillaDial,
		state:  ConnectionState{MaxReconnectAttempts: opts.MaxReconnectAttempts},
		recent: util.NewRingBuffer[string](recentErrorCap),
	}
}

// ── Callback registration ─────────────────────────────────────────────────────
// Multiple independent consumers may each register without clobbering one
// another. Callbacks fire in registration order for a given event kind; no
// ordering is guaranteed across kinds. Callers must Cancel on teardown.

func (c *Client) OnMatching(fn func(MatchingNotification)) *Subscription {
	return c.matching.subscribe(fn)
}

func (c *Client) OnCallStart(fn func(CallStartNotification)) *Subscription {
	return c.callStart.subscribe(fn)
}

func (c *Client) OnCallEnd(fn func(CallEndNotification)) *Subscription {
	return c.callEnd.subscribe(fn)
}

func (c *Client) OnConnectionState(fn func(ConnectionState)) *Subscription {
	return c.connSt.subscribe(fn)
}

func (c *Client) OnError(fn func(error)) *Subscription {
	return c.errs.subscribe(fn)
}

// State returns a snapshot of the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RecentErrors returns the latest protocol/transport errors, oldest first.
func (c *Client) RecentErrors() []string {
	return c.recent.Snapshot()
}

// LastError returns the most recent protocol/transport error text, or false
// when none was recorded.
func (c *Client) LastError() (string, bool) {
	return c.recent.Last()
}

// Connect establishes the channel. No-op if already connected or connecting.
// The auth token is attached both as a connection-query parameter and as a
// CONNECT-frame header — some broker front-ends drop one or the other.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if c.state.IsConnected || c.state.IsConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state.IsConnecting = true
	c.generation++
	gen := c.generation
	st := c.state
	c.mu.Unlock()
	c.connSt.notify(st)

	conn, serverBeat, err := c.handshake(ctx, authToken)
	if err != nil {
		c.mu.Lock()
		c.state.IsConnecting = false
		c.state.ReconnectAttempts++
		st = c.state
		c.mu.Unlock()
		c.connSt.notify(st)
		c.reportError(fmt.Errorf("notify: connect: %w", err))
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.conn = conn
	c.subs = make(map[string]string, 3)
	c.serverBeat = serverBeat
	c.lastActivity = now
	c.state.IsConnected = true
	c.state.IsConnecting = false
	c.state.ReconnectAttempts = 0
	c.state.LastConnectedAt = &now
	st = c.state
	c.mu.Unlock()
	c.connSt.notify(st)

	// (Re)subscribe to the three inbound queues on every successful connect.
	for _, dest := range []string{DestMatching, DestCallStart, DestCallEnd} {
		if err := c.subscribeDest(conn, dest); err != nil {
			c.reportError(fmt.Errorf("notify: subscribe %s: %w", dest, err))
		}
	}

	go c.readLoop(conn, gen)
	if c.opts.Heartbeat > 0 {
		go c.heartbeatLoop(conn, gen)
	}

	log.Printf("NOTIFY: connected to %s", c.opts.URL)
	return nil
}

// handshake dials, sends CONNECT and waits for CONNECTED. Returns the open
// conn and the broker's negotiated send interval.
func (c *Client) handshake(ctx context.Context, authToken string) (wsConn, time.Duration, error) {
	dialURL := c.opts.URL
	if authToken != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL += sep + "token=" + url.QueryEscape(authToken)
	}

	hdr := http.Header{}
	if authToken != "" {
		hdr.Set("Authorization", "Bearer "+authToken)
	}

	conn, err := c.dial(ctx, dialURL, hdr)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}

	host := c.opts.URL
	if u, err := url.Parse(c.opts.URL); err == nil {
		host = u.Host
	}
	beatMs := c.opts.Heartbeat.Milliseconds()
	connect := newFrame(cmdConnect, nil,
		header{"accept-version", "1.2"},
		header{"host", host},
		header{"heart-beat", fmt.Sprintf("%d,%d", beatMs, beatMs)},
	)
	if authToken != "" {
		connect.Headers = append(connect.Headers, header{"Authorization", "Bearer " + authToken})
	}
	if err := c.writeFrame(conn, connect); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	// Wait for CONNECTED, skipping any heart-beats the broker sends early.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, 0, fmt.Errorf("await CONNECTED: %w", err)
		}
		if isHeartbeat(raw) {
			continue
		}
		f, err := parseFrame(raw)
		if err != nil {
			conn.Close()
			return nil, 0, err
		}
		switch f.Command {
		case cmdConnected:
			return conn, negotiatedServerBeat(c.opts.Heartbeat, f.Header("heart-beat")), nil
		case cmdError:
			conn.Close()
			return nil, 0, fmt.Errorf("broker refused connect: %s", errorFrameText(f))
		default:
			conn.Close()
			return nil, 0, fmt.Errorf("unexpected %s before CONNECTED", f.Command)
		}
	}
}

// negotiatedServerBeat derives the broker's send interval from the CONNECTED
// heart-beat header ("sx,sy": sx is the smallest interval the broker can
// send at). 0 on either side disables broker beats.
func negotiatedServerBeat(want time.Duration, hdr string) time.Duration {
	if want <= 0 || hdr == "" {
		return 0
	}
	parts := strings.SplitN(hdr, ",", 2)
	sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || sx <= 0 {
		return 0
	}
	beat := time.Duration(sx) * time.Millisecond
	if beat < want {
		beat = want
	}
	return beat
}

func errorFrameText(f *frame) string {
	if msg := f.Header("message"); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(f.Body))
}

func (c *Client) subscribeDest(conn wsConn, dest string) error {
	id := uuid.NewString()
	f := newFrame(cmdSubscribe, nil,
		header{"id", id},
		header{"destination", dest},
		header{"ack", "auto"},
	)
	if err := c.writeFrame(conn, f); err != nil {
		return err
	}
	c.mu.Lock()
	if c.subs != nil {
		c.subs[dest] = id
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) writeFrame(conn wsConn, f *frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, f.marshal())
}

// Disconnect unsubscribes all queues, sends DISCONNECT best-effort and closes
// the socket. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = nil
	c.generation++
	wasActive := c.state.IsConnected || c.state.IsConnecting
	c.state.IsConnected = false
	c.state.IsConnecting = false
	st := c.state
	c.mu.Unlock()

	if conn != nil {
		for _, id := range subs {
			_ = c.writeFrame(conn, newFrame(cmdUnsubscribe, nil, header{"id", id}))
		}
		_ = c.writeFrame(conn, newFrame(cmdDisconnect, nil))
		_ = conn.Close()
	}
	if wasActive {
		log.Printf("NOTIFY: disconnected")
		c.connSt.notify(st)
	}
}

// Reconnect tears the channel down — discarding the underlying transport so a
// fresh dial carries the (possibly refreshed) token — waits the configured
// delay, then connects again. Fails permanently once the attempt budget is
// spent.
func (c *Client) Reconnect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	exhausted := c.state.ReconnectAttempts >= c.state.MaxReconnectAttempts
	c.mu.Unlock()
	if exhausted {
		c.reportError(ErrReconnectExhausted)
		return ErrReconnectExhausted
	}

	c.Disconnect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.ReconnectDelay):
	}
	return c.Connect(ctx, authToken)
}

// SendCallEnd publishes a call-end notification addressed to the partner's
// private queue. Returns ErrNotConnected synchronously when the channel is
// down.
func (c *Client) SendCallEnd(callID, partnerID string) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.IsConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(CallEndNotification{
		Type:      CallEndType,
		CallID:    callID,
		PartnerID: partnerID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("notify: encode call-end: %w", err)
	}

	f := newFrame(cmdSend, body,
		header{"destination", DestCallEndSendPrefix + partnerID},
		header{"content-type", "application/json"},
	)
	if err := c.writeFrame(conn, f); err != nil {
		return fmt.Errorf("notify: send call-end: %w", err)
	}
	log.Printf("NOTIFY: sent call-end for call %s to %s", callID, partnerID)
	return nil
}

// ── Read path ─────────────────────────────────────────────────────────────────

func (c *Client) readLoop(conn wsConn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLost(gen, err)
			return
		}
		c.touch()
		if isHeartbeat(raw) {
			continue
		}

		f, err := parseFrame(raw)
		if err != nil {
			// Parse failure must not crash the channel: report and keep
			// processing subsequent messages.
			c.reportError(fmt.Errorf("notify: bad frame: %w", err))
			continue
		}

		switch f.Command {
		case cmdMessage:
			c.dispatch(f)
		case cmdError:
			c.reportError(fmt.Errorf("notify: broker error: %s", errorFrameText(f)))
		case cmdReceipt:
			// No receipts are requested; tolerate brokers that send them anyway.
		default:
			c.reportError(fmt.Errorf("notify: unexpected frame %s", f.Command))
		}
	}
}

// dispatch routes one MESSAGE frame to the registry for its destination.
func (c *Client) dispatch(f *frame) {
	dest := f.Header("destination")

	// Brokers may rewrite the user-prefix on delivery; resolve via the
	// subscription id first, destination suffix second.
	c.mu.Lock()
	subID := f.Header("subscription")
	for d, id := range c.subs {
		if id == subID {
			dest = d
			break
		}
	}
	c.mu.Unlock()

	switch {
	case dest == DestMatching || strings.HasSuffix(dest, "/queue/matching"):
		var n MatchingNotification
		if err := json.Unmarshal(f.Body, &n); err != nil {
			c.reportError(fmt.Errorf("notify: malformed matching notification: %w", err))
			return
		}
		c.matching.notify(n)

	case dest == DestCallStart || strings.HasSuffix(dest, "/queue/call-start"):
		var n CallStartNotification
		if err := json.Unmarshal(f.Body, &n); err != nil {
			c.reportError(fmt.Errorf("notify: malformed call-start notification: %w", err))
			return
		}
		log.Printf("NOTIFY: call-start for call %s (partner %s)", n.CallID, n.PartnerID)
		c.callStart.notify(n)

	case dest == DestCallEnd || strings.HasSuffix(dest, "/queue/call-end"):
		var n CallEndNotification
		if err := json.Unmarshal(f.Body, &n); err != nil {
			c.reportError(fmt.Errorf("notify: malformed call-end notification: %w", err))
			return
		}
		c.callEnd.notify(n)

	default:
		c.reportError(fmt.Errorf("notify: message for unknown destination %q", dest))
	}
}

// handleConnLost transitions to disconnected when the read loop dies out from
// under a live connection. Stale loops (superseded by Disconnect/Reconnect)
// exit silently.
func (c *Client) handleConnLost(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.subs = nil
	c.state.IsConnected = false
	c.state.IsConnecting = false
	st := c.state
	c.mu.Unlock()

	log.Printf("NOTIFY: connection lost: %v", err)
	c.connSt.notify(st)
	c.reportError(fmt.Errorf("notify: connection lost: %w", err))
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// heartbeatLoop sends client beats and watches for broker silence. A broker
// that misses three of its negotiated intervals gets its socket closed; the
// read loop then surfaces the loss through the usual path.
func (c *Client) heartbeatLoop(conn wsConn, gen int) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.generation || c.conn != conn
		beat := c.serverBeat
		idle := time.Since(c.lastActivity)
		c.mu.Unlock()
		if stale {
			return
		}

		if beat > 0 && idle > 3*beat {
			log.Printf("NOTIFY: broker silent for %v, closing connection", idle.Round(time.Second))
			conn.Close()
			return
		}

		c.wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, []byte("\n"))
		c.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

// reportError records the error and fans it out to error subscribers.
func (c *Client) reportError(err error) {
	c.recent.Push(err.Error())
	log.Printf("NOTIFY: %v", err)
	c.errs.notify(err)
}
