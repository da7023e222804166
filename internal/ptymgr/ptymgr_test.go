package ptymgr

import (
	"bytes"
	"testing"
	"time"
)

func TestSubscribeReceivesOutput(t *testing.T) {
	m, err := New("/bin/sh", 24, 80, 4096, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, _, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	if err := m.Write([]byte("echo hello-ptymgr\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before seeing output")
			}
			if bytes.Contains(chunk, []byte("hello-ptymgr")) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for echoed output")
		}
	}
}

func TestSnapshotReflectsPriorOutput(t *testing.T) {
	m, err := New("/bin/sh", 24, 80, 4096, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, _, ch := m.Subscribe()
	if err := m.Write([]byte("echo before-subscribe\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case chunk := <-ch:
			if bytes.Contains(chunk, []byte("before-subscribe")) {
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for first echo")
		}
	}
	m.Unsubscribe(id)

	// A late subscriber should see the same bytes via its snapshot.
	_, snapshot, _ := m.Subscribe()
	if !bytes.Contains(snapshot, []byte("before-subscribe")) {
		t.Fatalf("snapshot missing earlier output: %q", snapshot)
	}
}

func TestResizeIsNoopWhenUnchanged(t *testing.T) {
	m, err := New("/bin/sh", 24, 80, 4096, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Resize(24, 80); err != nil {
		t.Fatalf("Resize (no-op): %v", err)
	}
	if err := m.Resize(40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	rows, cols := m.Size()
	if rows != 40 || cols != 120 {
		t.Fatalf("Size() = (%d,%d), want (40,120)", rows, cols)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m, err := New("/bin/sh", 24, 80, 4096, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	id, _, ch := m.Subscribe()
	m.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}
