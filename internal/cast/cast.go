// Package cast records a terminal session to a binary .cast file and mirrors
// a periodically compressed copy of recent output to a side-channel Sink
// (the process's stdout in cmd/xtermd), alongside a separate heartbeat log. It is modeled as a single
// actor goroutine draining two unbounded queues (events and heartbeats)
// alongside two flush tickers, so callers never block on disk or network
// I/O and never lose a posted event, however far behind the actor falls.
package cast

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/xtermd/xtermd/internal/trim"
)

// Kind identifies the three event types a recording can contain. Values
// match the wire encoding and must not be reordered.
type Kind uint8

const (
	KindInput Kind = iota
	KindOutput
	KindResize
)

const heartbeatFileName = "heartbeat.log"

// Sink is the side-channel emitter for compressed cast snapshots and
// diagnostic lines, satisfied by cmd/xtermd's stdoutSink.
type Sink interface {
	Emit(kind string, payload any)
}

type nopSink struct{}

func (nopSink) Emit(string, any) {}

type event struct {
	elapsed float32
	kind    Kind
	payload []byte
}

// encodeEvent serializes an event as: 4-byte LE float32 elapsed, 1-byte
// kind, then for Input/Output a ULEB128 length prefix followed by the raw
// payload, or for Resize the fixed 4-byte payload with no length prefix.
func encodeEvent(e event) []byte {
	out := make([]byte, 0, 10+len(e.payload))
	var elapsedBuf [4]byte
	binary.LittleEndian.PutUint32(elapsedBuf[:], math.Float32bits(e.elapsed))
	out = append(out, elapsedBuf[:]...)
	out = append(out, byte(e.kind))

	if e.kind == KindInput || e.kind == KindOutput {
		var lenBuf [binary.MaxVarintLen32]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(e.payload)))
		out = append(out, lenBuf[:n]...)
	}
	out = append(out, e.payload...)
	return out
}

func resizePayload(rows, cols uint16) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint16(p[0:2], rows)
	binary.LittleEndian.PutUint16(p[2:4], cols)
	return p
}

// unboundedEvents is an unbounded FIFO queue of events, fed by any number
// of producer goroutines and drained by one consumer. Producers never
// block and never drop: posting only waits on a mutex, never on channel
// capacity, which is what lets Input/Output/Resize/Heartbeat guarantee
// every posted event eventually reaches the actor.
type unboundedEvents struct {
	mu     sync.Mutex
	buf    []event
	notify chan struct{}
}

func newUnboundedEvents() *unboundedEvents {
	return &unboundedEvents{notify: make(chan struct{}, 1)}
}

func (q *unboundedEvents) push(e event) {
	q.mu.Lock()
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain returns and clears everything currently queued, or nil if empty.
func (q *unboundedEvents) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// unboundedHeartbeats is unboundedEvents' counterpart for the
// uint32-timestamp heartbeat stream, which has no event payload to share
// a queue element type with.
type unboundedHeartbeats struct {
	mu     sync.Mutex
	buf    []uint32
	notify chan struct{}
}

func newUnboundedHeartbeats() *unboundedHeartbeats {
	return &unboundedHeartbeats{notify: make(chan struct{}, 1)}
}

func (q *unboundedHeartbeats) push(ts uint32) {
	q.mu.Lock()
	q.buf = append(q.buf, ts)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *unboundedHeartbeats) drain() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// Recorder is the actor owning the .cast file, the heartbeat log, and
// (when verbose) the periodic compressed side-channel snapshot.
type Recorder struct {
	events *unboundedEvents
	hbs    *unboundedHeartbeats
	stop   chan struct{}
	done   chan struct{}
}

// Config configures a Recorder. VerboseInterval is only consulted when
// Verbose is true.
type Config struct {
	LogDir          string
	TimestampMillis uint64
	Verbose         bool
	VerboseInterval time.Duration
	Rows            uint16
	Cols            uint16
	Sink            Sink
}

// NewRecorder creates the log directory, opens the .cast and heartbeat
// files in append mode, and starts the actor goroutine. Start is the
// reference instant against which every event's elapsed field is measured.
func NewRecorder(cfg Config, start time.Time) (*Recorder, error) {
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if info, err := os.Stat(cfg.LogDir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("cast: %q exists and is not a directory", cfg.LogDir)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("cast: create log dir: %w", err)
	}

	castPath := filepath.Join(cfg.LogDir, fmt.Sprintf("%d.cast", cfg.TimestampMillis))
	hbPath := filepath.Join(cfg.LogDir, heartbeatFileName)

	castFile, err := os.OpenFile(castPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cast: open cast file: %w", err)
	}
	hbFile, err := os.OpenFile(hbPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		castFile.Close()
		return nil, fmt.Errorf("cast: open heartbeat file: %w", err)
	}

	r := &Recorder{
		events: newUnboundedEvents(),
		hbs:    newUnboundedHeartbeats(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run(cfg, start, castFile, hbFile)
	return r, nil
}

func (r *Recorder) run(cfg Config, start time.Time, castFile, hbFile *os.File) {
	defer close(r.done)
	defer castFile.Close()
	defer hbFile.Close()

	var bufDisk, bufStdout bytes.Buffer

	flushDisk := time.NewTicker(10 * time.Millisecond)
	defer flushDisk.Stop()

	verboseInterval := cfg.VerboseInterval
	if verboseInterval <= 0 {
		verboseInterval = 120 * time.Second
	}
	flushStdout := time.NewTicker(verboseInterval)
	defer flushStdout.Stop()

	// A time.Ticker delivers its first tick one full period after creation,
	// so the header below is always written before any flush can fire.
	var tsBuf [16]byte
	binary.LittleEndian.PutUint64(tsBuf[:8], cfg.TimestampMillis)
	castFile.Write(tsBuf[:])
	if cfg.Verbose {
		bufStdout.Write(tsBuf[:])
	}

	rows, cols := cfg.Rows, cfg.Cols

	var flushStdoutC <-chan time.Time
	if cfg.Verbose {
		flushStdoutC = flushStdout.C
	}

	handleEvt := func(evt event) {
		switch evt.kind {
		case KindInput:
			castFile.Write(encodeEvent(evt))
		case KindResize:
			enc := encodeEvent(evt)
			castFile.Write(enc)
			rows = binary.LittleEndian.Uint16(evt.payload[0:2])
			cols = binary.LittleEndian.Uint16(evt.payload[2:4])
			if cfg.Verbose {
				bufStdout.Write(enc)
			}
		case KindOutput:
			bufDisk.Write(evt.payload)
		}
	}
	handleHb := func(ts uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], ts)
		hbFile.Write(b[:])
	}

	drainEvents := func() {
		for _, evt := range r.events.drain() {
			handleEvt(evt)
		}
	}
	drainHbs := func() {
		for _, ts := range r.hbs.drain() {
			handleHb(ts)
		}
	}

	for {
		// Drain anything already queued before considering stop, so a
		// Close() racing with a just-posted Input/Output/Resize/Heartbeat
		// never silently drops it. The queues themselves never drop
		// events (see unboundedEvents/unboundedHeartbeats); this ordering
		// only governs whether they're processed before or after stop.
		select {
		case <-r.events.notify:
			drainEvents()
			continue
		case <-r.hbs.notify:
			drainHbs()
			continue
		default:
		}

		select {
		case <-r.events.notify:
			drainEvents()

		case <-r.hbs.notify:
			drainHbs()

		case <-flushDisk.C:
			if bufDisk.Len() == 0 {
				continue
			}
			raw := bufDisk.Bytes()
			idx := trim.Trim(raw, int(cols), int(rows)+20)
			evt := event{
				elapsed: float32(time.Since(start).Seconds()),
				kind:    KindOutput,
				payload: raw[idx:],
			}
			enc := encodeEvent(evt)
			castFile.Write(enc)
			if cfg.Verbose {
				bufStdout.Write(enc)
			}
			bufDisk.Reset()

		case <-flushStdoutC:
			if bufStdout.Len() == 0 {
				continue
			}
			compressed, err := zstdEncode(bufStdout.Bytes())
			if err != nil {
				cfg.Sink.Emit("error", fmt.Sprintf("encoding cast data: %s", err))
				bufStdout.Reset()
				continue
			}
			b64 := base64.StdEncoding.EncodeToString(compressed)
			cfg.Sink.Emit("cast", []any{cfg.TimestampMillis, b64})
			bufStdout.Reset()

		case <-r.stop:
			// A final drain: a push concurrent with Close() may have
			// landed in the queue after the last drain above but before
			// stop was observed.
			drainEvents()
			drainHbs()
			return
		}
	}
}

func zstdEncode(p []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(p, nil), nil
}

// Input records a batch of bytes written to the PTY by a client. Posting
// never blocks and never drops the event, however far behind the actor
// has fallen.
func (r *Recorder) Input(elapsed float32, payload []byte) {
	r.events.push(event{elapsed: elapsed, kind: KindInput, payload: payload})
}

// Output records a batch of bytes read from the PTY. Unlike Input, these
// are buffered and display-trimmed before hitting disk (see run's
// flushDisk case) rather than written immediately.
func (r *Recorder) Output(elapsed float32, payload []byte) {
	r.events.push(event{elapsed: elapsed, kind: KindOutput, payload: payload})
}

// Resize records a terminal resize and updates the recorder's notion of
// the current geometry, which governs how much of the output buffer the
// next disk flush keeps.
func (r *Recorder) Resize(elapsed float32, rows, cols uint16) {
	r.events.push(event{elapsed: elapsed, kind: KindResize, payload: resizePayload(rows, cols)})
}

// Heartbeat records a liveness timestamp in seconds since the Unix epoch.
func (r *Recorder) Heartbeat(tsSeconds uint32) {
	r.hbs.push(tsSeconds)
}

// Close stops the actor and waits for pending writes to flush.
func (r *Recorder) Close() {
	close(r.stop)
	<-r.done
}
