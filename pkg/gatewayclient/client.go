// Package gatewayclient is a supervised websocket client for the gateway.
// It owns the connection lifecycle: authentication on dial, automatic
// reconnection after server-initiated closes, latency probing, liveness
// heartbeats and at-most-once buffering of emits while offline. Event
// handlers are registered on the supervisor, not the socket, so they
// survive reconnects.
package gatewayclient

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

// Config tunes the supervisor. Zero values take the defaults below.
type Config struct {
	URL        string
	Credential string

	ReconnectDelay    time.Duration // default 1s
	PingInterval      time.Duration // default 5s
	PingTimeout       time.Duration // default 5s
	HeartbeatInterval time.Duration // default 240s
}

const (
	defaultReconnectDelay    = time.Second
	defaultPingInterval      = 5 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 240 * time.Second
)

// Supervisor manages one gateway connection.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	writeMu    sync.Mutex
	closing    bool
	visible    bool
	connID     string
	reconnect  *time.Timer
	loopCancel chan struct{}

	handlers  map[string][]handlerEntry
	handlerID int

	// pending holds at most one queued emit per event name; a newer emit
	// for the same event replaces the older one. Flushed on connect.
	pending map[string]json.RawMessage

	latencyNanos atomic.Int64
	lastPong     atomic.Int64
}

type handlerEntry struct {
	id int
	fn Handler
}

// New builds a supervisor. It does not dial; call Connect.
func New(cfg Config) *Supervisor {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Supervisor{
		cfg:      cfg,
		visible:  true,
		handlers: make(map[string][]handlerEntry),
		pending:  make(map[string]json.RawMessage),
	}
}

// SetCredential replaces the bearer credential used on the next dial.
func (s *Supervisor) SetCredential(credential string) {
	s.mu.Lock()
	s.cfg.Credential = credential
	s.mu.Unlock()
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnID is the server-assigned connection id, empty until the connected
// acknowledgement arrives.
func (s *Supervisor) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Latency reports the most recent round-trip time measured by the ping
// probe, zero before the first pong.
func (s *Supervisor) Latency() time.Duration {
	return time.Duration(s.latencyNanos.Load())
}

// On registers a handler for an event and returns its unsubscribe func.
// Handlers persist across reconnects.
func (s *Supervisor) On(event string, fn Handler) func() {
	s.mu.Lock()
	s.handlerID++
	id := s.handlerID
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.handlers[event]
		for i, e := range entries {
			if e.id == id {
				s.handlers[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Connect dials the gateway. It is a no-op while already connected or
// connecting, and while no credential is set.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.state != Disconnected || s.cfg.Credential == "" {
		s.mu.Unlock()
		return
	}
	s.closing = false
	s.state = Connecting
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	credential := s.cfg.Credential
	url := s.cfg.URL
	s.mu.Unlock()

	go s.dial(url, credential)
}

func (s *Supervisor) dial(url, credential string) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		s.scheduleReconnect()
		return
	}

	s.ws = ws
	s.state = Connected
	s.lastPong.Store(time.Now().UnixNano())
	done := make(chan struct{})
	s.loopCancel = done
	pending := s.pending
	s.pending = make(map[string]json.RawMessage)
	s.mu.Unlock()

	go s.readLoop(ws)
	go s.pingLoop(ws, done)
	go s.heartbeatLoop(done)

	// Flush emits queued while offline, latest-wins per event.
	for event, data := range pending {
		s.writeFrame(ws, events.Frame{Event: event, Data: data})
	}
}

// Emit sends an event to the gateway. While disconnected the emit is
// queued, keeping only the newest payload per event name.
func (s *Supervisor) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Connected || s.ws == nil {
		s.pending[event] = data
		s.mu.Unlock()
		return nil
	}
	ws := s.ws
	s.mu.Unlock()

	return s.writeFrame(ws, events.Frame{Event: event, Data: data})
}

func (s *Supervisor) writeFrame(ws *websocket.Conn, frame events.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// SetVisible reflects page or app visibility. Hidden clients report away
// and stop retrying a dropped connection; visible clients report online
// and trigger a reconnect attempt if the connection lapsed while hidden.
func (s *Supervisor) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()

	status := events.StatusAway
	if visible {
		status = events.StatusOnline
		s.Connect()
	}
	s.Emit(events.UpdatePresence, events.PresencePayload{Status: status})
}

// Close ends the session for good: no reconnect follows.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closing = true
	s.state = Disconnected
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	ws := s.ws
	s.ws = nil
	s.connID = ""
	if s.loopCancel != nil {
		close(s.loopCancel)
		s.loopCancel = nil
	}
	s.mu.Unlock()

	if ws == nil {
		return nil
	}
	s.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return ws.Close()
}

func (s *Supervisor) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleClosed(ws)
			return
		}
		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Supervisor) handleFrame(frame events.Frame) {
	switch frame.Event {
	case events.Connected:
		var p events.ConnectedPayload
		if json.Unmarshal(frame.Data, &p) == nil {
			s.mu.Lock()
			s.connID = p.ConnID
			s.mu.Unlock()
		}
	case events.Pong:
		var p events.PingPayload
		if json.Unmarshal(frame.Data, &p) == nil && p.SentAt > 0 {
			now := time.Now().UnixNano()
			s.latencyNanos.Store(now - p.SentAt)
			s.lastPong.Store(now)
		}
	}

	s.mu.Lock()
	entries := make([]handlerEntry, len(s.handlers[frame.Event]))
	copy(entries, s.handlers[frame.Event])
	s.mu.Unlock()
	for _, e := range entries {
		e.fn(frame.Data)
	}
}

// handleClosed runs when the transport drops for any reason. A deliberate
// Close suppresses reconnection; anything else schedules exactly one
// attempt after the reconnect delay.
func (s *Supervisor) handleClosed(ws *websocket.Conn) {
	ws.Close()

	s.mu.Lock()
	if s.ws != ws {
		// A newer connection already replaced this one.
		s.mu.Unlock()
		return
	}
	s.ws = nil
	s.connID = ""
	s.state = Disconnected
	if s.loopCancel != nil {
		close(s.loopCancel)
		s.loopCancel = nil
	}
	closing := s.closing
	s.mu.Unlock()

	if !closing {
		s.scheduleReconnect()
	}
}

// scheduleReconnect arms the single reconnect timer; an already armed
// timer is left alone rather than duplicated. Hidden clients do not
// retry in the background; SetVisible(true) reconnects them instead.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || !s.visible || s.reconnect != nil {
		return
	}
	s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		s.reconnect = nil
		s.mu.Unlock()
		s.Connect()
	})
}

// pingLoop probes latency on a fixed cadence and tears the connection
// down when a probe goes unanswered past the timeout.
func (s *Supervisor) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sentAt := time.Now().UnixNano()
			frame, _ := events.NewFrame(events.Ping, events.PingPayload{SentAt: sentAt})
			if err := s.writeFrame(ws, frame); err != nil {
				ws.Close()
				return
			}
			if sentAt-s.lastPong.Load() > (s.cfg.PingTimeout + s.cfg.PingInterval).Nanoseconds() {
				// The previous probe never came back.
				ws.Close()
				return
			}
		}
	}
}

// heartbeatLoop keeps the server-side presence record fresh.
func (s *Supervisor) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Emit(events.Heartbeat, struct{}{})
		}
	}
}
