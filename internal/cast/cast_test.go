package cast

import (
	"encoding/binary"
	"math"
	"os"
	"testing"
	"time"
)

func TestEncodeEventInputHasVarintLength(t *testing.T) {
	e := event{elapsed: 1.5, kind: KindInput, payload: []byte("hello")}
	got := encodeEvent(e)

	wantElapsed := math.Float32bits(1.5)
	if gotElapsed := binary.LittleEndian.Uint32(got[0:4]); gotElapsed != wantElapsed {
		t.Fatalf("elapsed bits = %x, want %x", gotElapsed, wantElapsed)
	}
	if Kind(got[4]) != KindInput {
		t.Fatalf("kind byte = %d, want %d", got[4], KindInput)
	}
	// "hello" is 5 bytes: a single-byte ULEB128 length prefix.
	if got[5] != 5 {
		t.Fatalf("length prefix = %d, want 5", got[5])
	}
	if string(got[6:]) != "hello" {
		t.Fatalf("payload = %q, want %q", got[6:], "hello")
	}
}

func TestEncodeEventResizeHasNoLengthPrefix(t *testing.T) {
	e := event{elapsed: 0, kind: KindResize, payload: resizePayload(24, 80)}
	got := encodeEvent(e)
	if len(got) != 5+4 {
		t.Fatalf("len = %d, want %d", len(got), 9)
	}
	rows := binary.LittleEndian.Uint16(got[5:7])
	cols := binary.LittleEndian.Uint16(got[7:9])
	if rows != 24 || cols != 80 {
		t.Fatalf("rows,cols = %d,%d, want 24,80", rows, cols)
	}
}

func TestRecorderWritesTimestampHeader(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(Config{
		LogDir:          dir,
		TimestampMillis: 1234567890,
		Rows:            24,
		Cols:            80,
	}, time.Now())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r.Input(0.1, []byte("hi"))
	r.Close()

	data, err := os.ReadFile(dir + "/1234567890.cast")
	if err != nil {
		t.Fatalf("read cast file: %v", err)
	}
	if len(data) < 16 {
		t.Fatalf("cast file too short: %d bytes", len(data))
	}
	ts := binary.LittleEndian.Uint64(data[:8])
	if ts != 1234567890 {
		t.Fatalf("header timestamp = %d, want 1234567890", ts)
	}
	for _, b := range data[8:16] {
		if b != 0 {
			t.Fatalf("expected zero-padded high bytes of the 16-byte header, got %v", data[8:16])
		}
	}
	rest := data[16:]
	if len(rest) == 0 {
		t.Fatal("expected at least one event after the header")
	}
}

func TestRecorderHeartbeatAppendsToSeparateFile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(Config{
		LogDir:          dir,
		TimestampMillis: 42,
		Rows:            24,
		Cols:            80,
	}, time.Now())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r.Heartbeat(1700000000)
	r.Close()

	data, err := os.ReadFile(dir + "/heartbeat.log")
	if err != nil {
		t.Fatalf("read heartbeat file: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("heartbeat file len = %d, want 4", len(data))
	}
	if got := binary.LittleEndian.Uint32(data); got != 1700000000 {
		t.Fatalf("heartbeat = %d, want 1700000000", got)
	}
}
