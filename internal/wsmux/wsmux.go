// Package wsmux upgrades incoming HTTP requests to websockets and
// multiplexes a single shared PTY (or, for the debug endpoint, a private
// ephemeral one) across every connected client.
package wsmux

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtermd/xtermd/internal/cast"
	"github.com/xtermd/xtermd/internal/ptymgr"
	"github.com/xtermd/xtermd/internal/xconfig"
)

// Logger is the minimal logging surface both handlers need. It matches
// ptymgr.Logger's shape so a single logger value satisfies both, since
// DebugHandler spawns its own ptymgr.Manager per connection.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundMessage is the wire shape of every client-to-server frame,
// discriminated by Event: "data" (Value is a JSON string), "resize" (Value
// is a resizeValue object), or "heartbeat" (no Value).
type inboundMessage struct {
	Event string          `json:"event"`
	Value json.RawMessage `json:"value"`
}

type resizeValue struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func configFrame(cfg xconfig.Config) any {
	return struct {
		Event string         `json:"event"`
		Value xconfig.Config `json:"value"`
	}{Event: "config", Value: cfg}
}

var heartbeatPong = struct {
	Event string `json:"event"`
}{Event: "heartbeat-pong"}

// Handler serves the shared terminal endpoint: clients share the
// server's single PTY, their input/output/resize/heartbeat traffic is
// mirrored to the cast recorder when logging is enabled, and they receive
// the live terminal preferences as they change.
type Handler struct {
	pty    *ptymgr.Manager
	caster *cast.Recorder
	cfg    *xconfig.Watcher
	start  time.Time
	log    Logger
}

// NewHandler builds a Handler. caster may be nil when log-level is 0.
func NewHandler(pty *ptymgr.Manager, caster *cast.Recorder, cfg *xconfig.Watcher, start time.Time, logger Logger) *Handler {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Handler{pty: pty, caster: caster, cfg: cfg, start: start, log: logger}
}

func (h *Handler) elapsed() float32 {
	return float32(time.Since(h.start).Seconds())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	go h.session(conn)
}

func (h *Handler) session(conn *websocket.Conn) {
	defer conn.Close()

	subID, snapshot, outCh := h.pty.Subscribe()
	defer h.pty.Unsubscribe(subID)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}
	writeBinary := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, p)
	}

	if err := writeBinary(snapshot); err != nil {
		h.log.Warnf("send snapshot: %v", err)
		return
	}

	cfgID, cfgCh := h.cfg.Subscribe()
	defer h.cfg.Unsubscribe(cfgID)
	if err := writeJSON(configFrame(h.cfg.Current())); err != nil {
		h.log.Warnf("send config: %v", err)
		return
	}

	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case chunk, ok := <-outCh:
				if !ok {
					return
				}
				if err := writeBinary(chunk); err != nil {
					return
				}
				if h.caster != nil {
					h.caster.Output(h.elapsed(), chunk)
				}
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				if err := writeJSON(configFrame(cfg)); err != nil {
					return
				}
			case <-stopPump:
				return
			}
		}
	}()
	defer func() {
		close(stopPump)
		<-pumpDone
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if err := h.handle(msg, writeJSON); err != nil {
			h.log.Warnf("session terminated: %v", err)
			return
		}
	}
}

// handle dispatches one client frame. A non-nil return terminates the
// session: a PTY write/resize failure or a failure to answer the client
// (including the heartbeat-pong reply) means the connection is no longer
// usable.
func (h *Handler) handle(msg inboundMessage, writeJSON func(any) error) error {
	switch msg.Event {
	case "data":
		var text string
		if err := json.Unmarshal(msg.Value, &text); err != nil {
			return nil
		}
		if h.caster != nil {
			h.caster.Input(h.elapsed(), []byte(text))
		}
		if err := h.pty.Write([]byte(text)); err != nil {
			return fmt.Errorf("pty write: %w", err)
		}

	case "resize":
		var sz resizeValue
		if err := json.Unmarshal(msg.Value, &sz); err != nil {
			return nil
		}
		if h.caster != nil {
			h.caster.Resize(h.elapsed(), sz.Rows, sz.Cols)
		}
		if err := h.pty.Resize(sz.Rows, sz.Cols); err != nil {
			return fmt.Errorf("pty resize: %w", err)
		}

	case "heartbeat":
		if h.caster != nil {
			h.caster.Heartbeat(uint32(time.Now().Unix()))
		}
		if err := writeJSON(heartbeatPong); err != nil {
			return fmt.Errorf("send heartbeat-pong: %w", err)
		}
	}
	return nil
}

// DebugHandler serves an unauthenticated, zero-history, per-connection PTY
// used to smoke-test the terminal rendering without touching the shared
// session or its recording.
type DebugHandler struct {
	command string
	log     Logger
	size    func() (rows, cols uint16)
}

// NewDebugHandler builds a DebugHandler. size reports the current
// dimensions of the shared terminal so the debug PTY starts at the same
// geometry.
func NewDebugHandler(command string, size func() (rows, cols uint16), logger Logger) *DebugHandler {
	if logger == nil {
		logger = nopLogger{}
	}
	return &DebugHandler{command: command, log: logger, size: size}
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}

	rows, cols := h.size()
	pty, err := ptymgr.New(h.command, rows, cols, 0, h.log)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, fmt.Sprintf("pty init error: %v", err)),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	go h.session(conn, pty)
}

func (h *DebugHandler) session(conn *websocket.Conn, pty *ptymgr.Manager) {
	defer conn.Close()
	defer pty.Close()

	subID, snapshot, outCh := pty.Subscribe()
	defer pty.Unsubscribe(subID)

	var writeMu sync.Mutex
	writeBinary := func(p []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, p)
	}

	if err := writeBinary(snapshot); err != nil {
		return
	}

	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case chunk, ok := <-outCh:
				if !ok {
					return
				}
				if err := writeBinary(chunk); err != nil {
					return
				}
			case <-stopPump:
				return
			}
		}
	}()
	defer func() {
		close(stopPump)
		<-pumpDone
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "data":
			var text string
			if err := json.Unmarshal(msg.Value, &text); err != nil {
				continue
			}
			if err := pty.Write([]byte(text)); err != nil {
				h.log.Warnf("debug pty write: %v", err)
			}
		case "resize":
			var sz resizeValue
			if err := json.Unmarshal(msg.Value, &sz); err != nil {
				continue
			}
			if err := pty.Resize(sz.Rows, sz.Cols); err != nil {
				h.log.Warnf("debug pty resize: %v", err)
			}
		}
	}
}
