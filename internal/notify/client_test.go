package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory wsConn: the test pushes broker frames into in and
// inspects what the client wrote.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	frames []*frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-f.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, raw, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	if isHeartbeat(data) {
		return nil
	}
	fr, err := parseFrame(data)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

// sent returns the frames written with the given command.
func (f *fakeConn) sent(cmd string) []*frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*frame
	for _, fr := range f.frames {
		if fr.Command == cmd {
			out = append(out, fr)
		}
	}
	return out
}

func serverMessage(dest, body string) []byte {
	return newFrame(cmdMessage, []byte(body),
		header{"destination", dest},
		header{"content-type", "application/json"},
	).marshal()
}

// newConnectedClient dials a fakeConn pre-primed with CONNECTED.
func newConnectedClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := NewClient(Options{
		URL:                  "ws://broker.test/ws",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
	})
	c.dial = func(context.Context, string, http.Header) (wsConn, error) { return fc, nil }

	fc.in <- []byte("CONNECTED\nversion:1.2\nheart-beat:0,0\n\n\x00")
	if err := c.Connect(context.Background(), "test-token"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c, fc
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectSubscribesAllQueues(t *testing.T) {
	c, fc := newConnectedClient(t)

	if st := c.State(); !st.IsConnected || st.ReconnectAttempts != 0 {
		t.Fatalf("state after connect = %+v", st)
	}

	subs := fc.sent(cmdSubscribe)
	if len(subs) != 3 {
		t.Fatalf("wrote %d SUBSCRIBE frames, want 3", len(subs))
	}
	want := map[string]bool{DestMatching: false, DestCallStart: false, DestCallEnd: false}
	for _, s := range subs {
		dest := s.Header("destination")
		if _, ok := want[dest]; !ok {
			t.Fatalf("subscribed to unexpected destination %q", dest)
		}
		if s.Header("id") == "" {
			t.Fatalf("SUBSCRIBE to %q has no id", dest)
		}
		want[dest] = true
	}
	for dest, seen := range want {
		if !seen {
			t.Fatalf("no SUBSCRIBE for %q", dest)
		}
	}
}

func TestConnectSendsTokenInConnectFrame(t *testing.T) {
	_, fc := newConnectedClient(t)

	connects := fc.sent(cmdConnect)
	if len(connects) != 1 {
		t.Fatalf("wrote %d CONNECT frames, want 1", len(connects))
	}
	if got := connects[0].Header("Authorization"); got != "Bearer test-token" {
		t.Fatalf("Authorization header = %q", got)
	}
}

func TestDispatchByDestination(t *testing.T) {
	c, fc := newConnectedClient(t)

	matched := make(chan MatchingNotification, 1)
	started := make(chan CallStartNotification, 1)
	ended := make(chan CallEndNotification, 1)
	c.OnMatching(func(n MatchingNotification) { matched <- n })
	c.OnCallStart(func(n CallStartNotification) { started <- n })
	c.OnCallEnd(func(n CallEndNotification) { ended <- n })

	fc.in <- serverMessage(DestMatching, `{"type":"matched","matchingId":"m-1","matchedUser":{"id":"u-2","nickname":"Sam"}}`)
	fc.in <- serverMessage(DestCallStart, `{"callId":"c-1","partnerId":"u-2","partnerNickname":"Sam","channelName":"ch-1","rtcToken":"tok","agoraUid":"41","timestamp":1700000000000}`)
	fc.in <- serverMessage(DestCallEnd, `{"type":"call_end","callId":"c-1","partnerId":"u-2","timestamp":1700000001000}`)

	m := waitFor(t, matched, "matching notification")
	if m.Type != MatchingMatched || m.MatchedUser == nil || m.MatchedUser.ID != "u-2" {
		t.Fatalf("matching = %+v", m)
	}
	s := waitFor(t, started, "call-start notification")
	if s.CallID != "c-1" || s.ChannelName != "ch-1" || s.AgoraUID != "41" {
		t.Fatalf("call-start = %+v", s)
	}
	e := waitFor(t, ended, "call-end notification")
	if e.CallID != "c-1" || e.Type != CallEndType {
		t.Fatalf("call-end = %+v", e)
	}
}

func TestDispatchBySubscriptionID(t *testing.T) {
	// Brokers commonly rewrite /user/queue/* destinations on delivery; the
	// subscription id must still route the message to the right registry.
	c, fc := newConnectedClient(t)

	var subID string
	for _, s := range fc.sent(cmdSubscribe) {
		if s.Header("destination") == DestMatching {
			subID = s.Header("id")
		}
	}
	if subID == "" {
		t.Fatal("no subscription id for matching queue")
	}

	matched := make(chan MatchingNotification, 1)
	c.OnMatching(func(n MatchingNotification) { matched <- n })

	fc.in <- newFrame(cmdMessage, []byte(`{"type":"timeout"}`),
		header{"destination", "/queue/matching-user41"},
		header{"subscription", subID},
	).marshal()

	if m := waitFor(t, matched, "matching notification"); m.Type != MatchingTimeout {
		t.Fatalf("type = %q", m.Type)
	}
}

func TestBadFrameDoesNotKillChannel(t *testing.T) {
	c, fc := newConnectedClient(t)

	errs := make(chan error, 4)
	matched := make(chan MatchingNotification, 1)
	c.OnError(func(err error) { errs <- err })
	c.OnMatching(func(n MatchingNotification) { matched <- n })

	fc.in <- []byte("MESSAGE\nbroken header line\n\n{}\x00")
	waitFor(t, errs, "parse error")

	// Malformed JSON on a known queue is reported, not fatal.
	fc.in <- serverMessage(DestMatching, `{"type":`)
	waitFor(t, errs, "decode error")

	// The channel keeps processing subsequent messages.
	fc.in <- serverMessage(DestMatching, `{"type":"cancelled"}`)
	if m := waitFor(t, matched, "matching notification"); m.Type != MatchingCancelled {
		t.Fatalf("type = %q", m.Type)
	}
	if st := c.State(); !st.IsConnected {
		t.Fatal("channel dropped after bad frame")
	}
	if len(c.RecentErrors()) < 2 {
		t.Fatalf("RecentErrors = %v, want at least 2 entries", c.RecentErrors())
	}
	if msg, ok := c.LastError(); !ok || msg == "" {
		t.Fatalf("LastError = (%q, %v)", msg, ok)
	}
}

func TestBrokerErrorFrameReported(t *testing.T) {
	c, fc := newConnectedClient(t)

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	fc.in <- newFrame(cmdError, []byte("session expired"), header{"message", "session expired"}).marshal()
	waitFor(t, errs, "broker error")
}

func TestSendCallEnd(t *testing.T) {
	c, fc := newConnectedClient(t)

	if err := c.SendCallEnd("c-1", "u-2"); err != nil {
		t.Fatalf("SendCallEnd: %v", err)
	}

	sends := fc.sent(cmdSend)
	if len(sends) != 1 {
		t.Fatalf("wrote %d SEND frames, want 1", len(sends))
	}
	if got := sends[0].Header("destination"); got != DestCallEndSendPrefix+"u-2" {
		t.Fatalf("destination = %q", got)
	}
}

func TestSendCallEndWhileDisconnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://broker.test/ws"})
	if err := c.SendCallEnd("c-1", "u-2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectionLossNotifiesSubscribers(t *testing.T) {
	c, fc := newConnectedClient(t)

	states := make(chan ConnectionState, 4)
	c.OnConnectionState(func(st ConnectionState) { states <- st })

	fc.Close()

	for {
		st := waitFor(t, states, "disconnected state")
		if !st.IsConnected && !st.IsConnecting {
			break
		}
	}
}

func TestReconnectExhaustsBudget(t *testing.T) {
	c := NewClient(Options{
		URL:                  "ws://broker.test/ws",
		MaxReconnectAttempts: 2,
		ReconnectDelay:       time.Millisecond,
	})
	c.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return nil, errors.New("refused")
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Connect(ctx, ""); err == nil {
			t.Fatal("Connect succeeded with refusing dialer")
		}
	}
	if err := c.Reconnect(ctx, ""); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("err = %v, want ErrReconnectExhausted", err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	c, fc := newConnectedClient(t)

	if err := c.Connect(context.Background(), "test-token"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := len(fc.sent(cmdConnect)); got != 1 {
		t.Fatalf("wrote %d CONNECT frames after double Connect, want 1", got)
	}
}
