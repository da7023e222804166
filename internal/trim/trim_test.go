package trim

import "testing"

func TestTrimAsciiColumnWrap(t *testing.T) {
	buf := []byte("xxxxxxxxxx") // 10 x's
	i := Trim(buf, 4, 1)
	if got := string(buf[i:]); got != "xxxx" {
		t.Fatalf("got %q, want %q (i=%d)", got, "xxxx", i)
	}
}

func TestTrimStopsAtBufferStart(t *testing.T) {
	// Wide emoji (display width 2) plus two narrow chars can't be split
	// across the cols=3 boundary without crossing the start of the
	// buffer; Trim must stop there per §4.3 ("Stop when lines >= M or
	// the start is reached").
	buf := []byte("\U0001F600AB")
	i := Trim(buf, 3, 1)
	if i != 0 {
		t.Fatalf("i = %d, want 0", i)
	}
}

func TestTrimNewlineBoundary(t *testing.T) {
	buf := []byte("hello\nworld")
	i := Trim(buf, 80, 1)
	// The backward scan counts the newline itself as completing a row and
	// stops there; i lands on the newline byte, not past it.
	if got := string(buf[i:]); got != "\nworld" {
		t.Fatalf("got %q, want %q (i=%d)", got, "\nworld", i)
	}
}

func TestTrimEscapeFullyExcludedWhenUnneeded(t *testing.T) {
	// Content after a leading SGR sequence fills exactly one row on its
	// own, so the scan never needs to walk into the escape bytes at all —
	// demonstrating they contribute no width.
	buf := []byte("\x1b[31mABCD")
	i := Trim(buf, 4, 1)
	if got := string(buf[i:]); got != "ABCD" {
		t.Fatalf("got %q, want %q (i=%d)", got, "ABCD", i)
	}
}

func TestTrimZeroBytesReturnsZero(t *testing.T) {
	if i := Trim(nil, 80, 5); i != 0 {
		t.Fatalf("i = %d, want 0", i)
	}
}

func TestTrimMultiLineKeepsOnlyRequestedRows(t *testing.T) {
	// The scan counts newline boundaries, stopping as soon as it has
	// crossed M of them; it lands on the Mth-from-end newline itself
	// rather than skipping past it, so the kept slice starts with that
	// newline (the rows "one" and "two" are both dropped entirely, not
	// partially kept).
	buf := []byte("one\ntwo\nthree\n")
	i := Trim(buf, 80, 2)
	got := string(buf[i:])
	if got != "\nthree\n" {
		t.Fatalf("got %q, want %q (i=%d)", got, "\nthree\n", i)
	}
}
