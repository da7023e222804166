// Package trim locates the byte offset in a raw terminal output buffer from
// which the last N rendered rows begin, accounting for UTF-8 multi-byte
// sequences, East-Asian wide characters, and SGR escape sequences.
package trim

import (
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// Trim scans buf backward and returns the byte index i such that buf[i:]
// renders at most maxLines rows at the given column width. It is used by
// the cast recorder on every disk-flush tick to cap a burst buffer down to
// a bounded screenful before persisting it (see internal/cast).
func Trim(buf []byte, cols, maxLines int) int {
	if cols <= 0 {
		cols = 1
	}

	lines := 0
	col := 0
	i := len(buf)

	for i > 0 && lines < maxLines {
		i--
		b := buf[i]

		switch {
		case b == '\n':
			lines++
			col = 0

		case b >= 0x20 && b <= 0x7e:
			col++
			if col == cols {
				lines++
				col = 0
			}

		case b >= 0x80:
			start := i
			for start > 0 && buf[start]&0xc0 == 0x80 {
				start--
			}
			r, _ := utf8.DecodeRune(buf[start : i+1])
			if r == utf8.RuneError {
				r = ' '
			}
			// go-runewidth reports 0 both for runes that are genuinely
			// zero-width (combining marks, joiners, variation
			// selectors) and for ones it simply can't size (controls,
			// unassigned code points), collapsing a distinction the
			// column count needs: only the latter should default to 1.
			w := runewidth.RuneWidth(r)
			if w == 0 && !isZeroWidthRune(r) {
				w = 1
			}
			col += w
			if col >= cols {
				lines++
				if col == cols {
					col = 0
				} else {
					col -= cols
				}
			}
			i = start

		case b == 0x1b:
			if pos := lastIndexByte(buf[:i+1], 'm'); pos >= 0 {
				i = pos - 1
				if i < 0 {
					i = 0
				}
			}

		default:
			// zero-width, ignored
		}
	}

	if i < 0 {
		i = 0
	}
	return i
}

// isZeroWidthRune reports whether r is legitimately zero-width rather than
// merely unsized by go-runewidth: combining marks, enclosing marks, and
// format characters (zero-width joiner/non-joiner, variation selectors).
func isZeroWidthRune(r rune) bool {
	return unicode.In(r, unicode.Mn, unicode.Me, unicode.Cf)
}

// lastIndexByte mirrors memchr::memrchr from the original Rust
// implementation: no pack repo wires a backward byte-search helper, so this
// one is hand-rolled (see DESIGN.md).
func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}
