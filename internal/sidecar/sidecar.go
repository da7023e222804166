// Package sidecar implements the Unix-domain-socket companion process that
// terminal sessions report to: structured info/warning/error lines,
// heartbeat batching, and tailing of .cast files for the live-session
// viewer. Every accepted line is answered, if at all, by one framed JSON
// line of the form ["kind", payload] written to the server's stdout.
package sidecar

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/klauspost/compress/gzip"
)

// clientCmd is the tagged-union shape of every line a client sends,
// discriminated by Cmd.
type clientCmd struct {
	Cmd     string `json:"cmd"`
	Msg     string `json:"msg,omitempty"`
	Cast    string `json:"cast,omitempty"`
	TS      uint64 `json:"ts,omitempty"`
	Session uint32 `json:"session,omitempty"`
}

type heartbeat struct {
	TS      uint64 `json:"ts"`
	Session uint32 `json:"session"`
}

// Server owns the listener, the pending heartbeat batch, and the registry
// of per-file Tailers. All exported behavior happens through ListenAndServe
// and the emitted stdout protocol; there is no other client-facing API.
type Server struct {
	socketPath string

	outMu sync.Mutex
	out   io.Writer

	hbMu       sync.Mutex
	heartbeats []heartbeat

	tailersMu sync.RWMutex
	tailers   map[string]*Tailer
}

// NewServer builds a Server that will listen on socketPath and write its
// protocol stream to stdout (the sidecar has no other terminal-facing
// output).
func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		out:        os.Stdout,
		tailers:    make(map[string]*Tailer),
	}
}

// ListenAndServe removes any stale socket file, binds socketPath, and
// accepts connections until Accept fails. The listener is not exposed and
// Server has no method to close it, so in practice it serves until the
// process exits.
func (s *Server) ListenAndServe() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("sidecar: listen on %q: %w", s.socketPath, err)
	}
	defer ln.Close()

	s.emit("info", fmt.Sprintf("Unix Socket on %s", s.socketPath))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sidecar: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var cmd clientCmd
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			s.emit("error", fmt.Sprintf("json parse error: %v", err))
			continue
		}
		// A malformed line never ends the connection; a handler failure
		// does — the client can no longer trust the stream's state (e.g.
		// a cast tailer it can't open or read again).
		if err := s.process(cmd); err != nil {
			s.emit("error", fmt.Sprintf("handle_client error: %v", err))
			return
		}
	}
}

func (s *Server) process(cmd clientCmd) error {
	switch cmd.Cmd {
	case "info":
		s.emit("info", cmd.Msg)
	case "warning":
		s.emit("warning", cmd.Msg)
	case "error":
		s.emit("error", cmd.Msg)

	case "hb":
		s.hbMu.Lock()
		s.heartbeats = append(s.heartbeats, heartbeat{TS: cmd.TS, Session: cmd.Session})
		s.hbMu.Unlock()

	case "heartbeat_poll":
		s.hbMu.Lock()
		batch := s.heartbeats
		s.heartbeats = nil
		s.hbMu.Unlock()
		if len(batch) > 0 {
			s.emit("heartbeat", batch)
		}

	case "cast_poll":
		tailer, err := s.tailerFor(cmd.Cast)
		if err != nil {
			return fmt.Errorf("init tailer for %q: %w", cmd.Cast, err)
		}
		b64, ok, err := tailer.Poll()
		if err != nil {
			return fmt.Errorf("tail %q: %w", cmd.Cast, err)
		}
		if ok {
			s.emit("cast", [2]string{cmd.Cast, b64})
		}
	}
	return nil
}

func (s *Server) tailerFor(path string) (*Tailer, error) {
	s.tailersMu.RLock()
	t, ok := s.tailers[path]
	s.tailersMu.RUnlock()
	if ok {
		return t, nil
	}

	s.tailersMu.Lock()
	defer s.tailersMu.Unlock()
	if t, ok := s.tailers[path]; ok {
		return t, nil
	}
	t, err := newTailer(path)
	if err != nil {
		return nil, err
	}
	s.tailers[path] = t
	return t, nil
}

func (s *Server) emit(kind string, payload any) {
	line, err := json.Marshal([2]any{kind, payload})
	if err != nil {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(line)
	s.out.Write([]byte("\n"))
}

// Tailer incrementally reads new bytes appended to a file, detecting
// rotation/truncation by comparing device+inode and size against the last
// observed values, and returns each new chunk gzip-compressed and
// base64-encoded (matching the sidecar's existing info/warning/error/cast
// stdout protocol, which is textual JSON).
type Tailer struct {
	path string

	mu     sync.Mutex
	offset int64
	dev    uint64
	ino    uint64
	file   *os.File
}

func newTailer(path string) (*Tailer, error) {
	f, dev, ino, err := openTailFile(path)
	if err != nil {
		return nil, err
	}
	return &Tailer{path: path, file: f, dev: dev, ino: ino}, nil
}

func openTailFile(path string) (*os.File, uint64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		f.Close()
		return nil, 0, 0, fmt.Errorf("stat %q: unsupported platform", path)
	}
	return f, uint64(st.Dev), uint64(st.Ino), nil
}

func (t *Tailer) needReopen() (bool, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return false, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("stat %q: unsupported platform", t.path)
	}
	if uint64(st.Dev) != t.dev || uint64(st.Ino) != t.ino {
		return true, nil
	}
	return info.Size() < t.offset, nil
}

// Poll returns the gzip+base64 encoding of any bytes appended since the
// last call, or ok=false if nothing is new.
func (t *Tailer) Poll() (b64 string, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reopen, err := t.needReopen()
	if err != nil {
		return "", false, err
	}
	if reopen {
		f, dev, ino, err := openTailFile(t.path)
		if err != nil {
			return "", false, err
		}
		t.file.Close()
		t.file, t.dev, t.ino, t.offset = f, dev, ino, 0
	}

	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return "", false, err
	}
	data, err := io.ReadAll(t.file)
	if err != nil {
		return "", false, err
	}
	pos, err := t.file.Seek(0, io.SeekCur)
	if err != nil {
		return "", false, err
	}
	t.offset = pos

	if len(data) == 0 {
		return "", false, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", false, err
	}
	if err := gz.Close(); err != nil {
		return "", false, err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), true, nil
}
