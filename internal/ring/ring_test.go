package ring

import "testing"

func TestExtendWithinCapacity(t *testing.T) {
	r := New(8)
	r.Extend([]byte("abc"))
	r.Extend([]byte("de"))
	got := string(r.Snapshot())
	if got != "abcde" {
		t.Fatalf("got %q, want %q", got, "abcde")
	}
}

func TestExtendEvictsOldest(t *testing.T) {
	r := New(8)
	r.Extend([]byte("abc"))
	r.Extend([]byte("defghij"))
	got := string(r.Snapshot())
	if got != "cdefghij" {
		t.Fatalf("got %q, want %q", got, "cdefghij")
	}
	if r.Len() != 8 {
		t.Fatalf("len = %d, want 8", r.Len())
	}
}

func TestExtendChunkLargerThanLimitReplacesWholesale(t *testing.T) {
	r := New(4)
	r.Extend([]byte("hello world"))
	got := string(r.Snapshot())
	if got != "orld" {
		t.Fatalf("got %q, want %q", got, "orld")
	}
}

func TestExtendEmptyChunkIsNoop(t *testing.T) {
	r := New(4)
	r.Extend([]byte("ab"))
	r.Extend(nil)
	if got := string(r.Snapshot()); got != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New(8)
	r.Extend([]byte("abc"))
	snap := r.Snapshot()
	snap[0] = 'z'
	if got := string(r.Snapshot()); got != "abc" {
		t.Fatalf("mutating snapshot leaked into ring: got %q", got)
	}
}
