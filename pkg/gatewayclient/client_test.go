package gatewayclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// fakeGateway is a minimal server double: it accepts any bearer
// credential, acks with a connected event, answers pings and records
// every frame it receives.
type fakeGateway struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	frames   []events.Frame
	sessions []*websocket.Conn
	dials    int
	srv      *httptest.Server
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ws, err := fg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fg.mu.Lock()
	fg.dials++
	fg.sessions = append(fg.sessions, ws)
	connID := "conn-" + time.Now().Format("150405.000000000")
	fg.mu.Unlock()

	ack, _ := events.NewFrame(events.Connected, events.ConnectedPayload{ConnID: connID, UserID: "u1", Username: "alice"})
	data, _ := json.Marshal(ack)
	ws.WriteMessage(websocket.TextMessage, data)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame events.Frame
		if json.Unmarshal(msg, &frame) != nil {
			continue
		}
		fg.mu.Lock()
		fg.frames = append(fg.frames, frame)
		fg.mu.Unlock()

		if frame.Event == events.Ping {
			pong, _ := json.Marshal(events.Frame{Event: events.Pong, Data: frame.Data})
			ws.WriteMessage(websocket.TextMessage, pong)
		}
	}
}

func (fg *fakeGateway) dialCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.dials
}

func (fg *fakeGateway) framesFor(event string) []events.Frame {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	var out []events.Frame
	for _, f := range fg.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// send pushes a server-initiated event down the most recent session.
func (fg *fakeGateway) send(t *testing.T, event string, payload any) {
	t.Helper()
	fg.mu.Lock()
	ws := fg.sessions[len(fg.sessions)-1]
	fg.mu.Unlock()
	frame, _ := events.NewFrame(event, payload)
	data, _ := json.Marshal(frame)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Server send failed: %v", err)
	}
}

// dropSessions closes every live session from the server side.
func (fg *fakeGateway) dropSessions() {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, ws := range fg.sessions {
		ws.Close()
	}
	fg.sessions = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestSupervisor_ConnectNoCredentialIsNoOp(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url()})

	c.Connect()
	time.Sleep(100 * time.Millisecond)

	if c.State() != Disconnected {
		t.Errorf("Expected Disconnected without a credential, got %v", c.State())
	}
	if fg.dialCount() != 0 {
		t.Errorf("Expected no dial attempts, got %d", fg.dialCount())
	}
}

func TestSupervisor_ConnectIsIdempotent(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok"})
	defer c.Close()

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected })
	c.Connect()
	c.Connect()
	time.Sleep(100 * time.Millisecond)

	if fg.dialCount() != 1 {
		t.Errorf("Expected a single dial, got %d", fg.dialCount())
	}
}

func TestSupervisor_OfflineEmitsKeepLatestPerEvent(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok"})
	defer c.Close()

	// All queued while disconnected; the presence updates collapse.
	c.Emit(events.UpdatePresence, events.PresencePayload{Status: events.StatusAway})
	c.Emit(events.UpdatePresence, events.PresencePayload{Status: events.StatusBusy})
	c.Emit(events.StartTyping, events.TypingSignal{ChannelID: "conv1"})

	c.Connect()
	waitFor(t, 2*time.Second, func() bool {
		return len(fg.framesFor(events.UpdatePresence)) > 0 && len(fg.framesFor(events.StartTyping)) > 0
	})

	presence := fg.framesFor(events.UpdatePresence)
	if len(presence) != 1 {
		t.Fatalf("Expected 1 presence frame after flush, got %d", len(presence))
	}
	var p events.PresencePayload
	json.Unmarshal(presence[0].Data, &p)
	if p.Status != events.StatusBusy {
		t.Errorf("Expected the newest queued payload to win, got %q", p.Status)
	}
}

func TestSupervisor_HandlersSurviveReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok", ReconnectDelay: 100 * time.Millisecond})
	defer c.Close()

	notifications := make(chan json.RawMessage, 4)
	c.On(events.Notification, func(data json.RawMessage) { notifications <- data })

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected })

	fg.dropSessions()
	waitFor(t, 3*time.Second, func() bool { return fg.dialCount() == 2 && c.State() == Connected })

	fg.send(t, events.Notification, map[string]string{"kind": "mention"})
	select {
	case <-notifications:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler registered before the reconnect never fired after it")
	}
}

func TestSupervisor_CloseSuppressesReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok", ReconnectDelay: 100 * time.Millisecond})

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected })

	c.Close()
	time.Sleep(500 * time.Millisecond)

	if fg.dialCount() != 1 {
		t.Errorf("Expected no reconnect after Close, got %d dials", fg.dialCount())
	}
	if c.State() != Disconnected {
		t.Errorf("Expected Disconnected after Close, got %v", c.State())
	}
}

// A hidden client must not burn retries in the background; becoming
// visible again is what brings the connection back.
func TestSupervisor_HiddenClientDefersReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok", ReconnectDelay: 100 * time.Millisecond})
	defer c.Close()

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected })

	c.SetVisible(false)
	fg.dropSessions()
	time.Sleep(500 * time.Millisecond)

	if fg.dialCount() != 1 {
		t.Fatalf("Expected no reconnect while hidden, got %d dials", fg.dialCount())
	}
	if c.State() != Disconnected {
		t.Fatalf("Expected Disconnected while hidden, got %v", c.State())
	}

	c.SetVisible(true)
	waitFor(t, 2*time.Second, func() bool { return fg.dialCount() == 2 && c.State() == Connected })
}

func TestSupervisor_Unsubscribe(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok"})
	defer c.Close()

	fired := make(chan struct{}, 4)
	off := c.On(events.Notification, func(json.RawMessage) { fired <- struct{}{} })

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.State() == Connected })

	off()
	fg.send(t, events.Notification, map[string]string{})

	select {
	case <-fired:
		t.Error("Handler fired after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSupervisor_LatencyProbe(t *testing.T) {
	fg := newFakeGateway(t)
	c := New(Config{URL: fg.url(), Credential: "tok", PingInterval: 50 * time.Millisecond})
	defer c.Close()

	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return c.Latency() > 0 })
}
