package vt

import "testing"

func TestWritePlainText(t *testing.T) {
	term := New(24, 80)
	term.Write([]byte("hello"))
	if got := term.Text(); got[:5] != "hello" {
		t.Errorf("Text() = %q, want prefix %q", got, "hello")
	}
	row, col := term.Cursor()
	if row != 0 || col != 5 {
		t.Errorf("Cursor() = (%d,%d), want (0,5)", row, col)
	}
}

func TestNewlineAndCarriageReturn(t *testing.T) {
	term := New(5, 10)
	term.Write([]byte("ab\r\ncd"))
	row, col := term.Cursor()
	if row != 1 || col != 2 {
		t.Errorf("Cursor() after \\r\\n = (%d,%d), want (1,2)", row, col)
	}
}

func TestScrollDiscardsTopLine(t *testing.T) {
	term := New(2, 10)
	term.Write([]byte("one\r\ntwo\r\nthree"))
	text := term.Text()
	if got := firstLine(text); got != "two" {
		t.Errorf("after scroll first line = %q, want %q", got, "two")
	}
}

func TestCursorMovementCSI(t *testing.T) {
	term := New(10, 10)
	term.Write([]byte("\x1b[5;5Hx"))
	row, col := term.Cursor()
	// CUP is 1-indexed; row 5, col 5 lands at 0-indexed (4,5) after writing x.
	if row != 4 || col != 5 {
		t.Errorf("Cursor() after CUP = (%d,%d), want (4,5)", row, col)
	}
}

func TestEraseDisplay(t *testing.T) {
	term := New(3, 5)
	term.Write([]byte("abcde\r\nfghij\r\nklmno"))
	term.Write([]byte("\x1b[2J"))
	for _, r := range term.Text() {
		if r != ' ' && r != '\n' {
			t.Fatalf("expected blank grid after ED 2, got rune %q in %q", r, term.Text())
		}
	}
}

func TestSGRAppliedToCells(t *testing.T) {
	term := New(1, 10)
	term.Write([]byte("\x1b[1;31mhi\x1b[0m"))
	html := term.HTML()
	if !contains(html, "font-weight:bold") || !contains(html, "color:") {
		t.Errorf("HTML() = %q, want bold+color styling", html)
	}
}

func TestResizePreservesTopLeft(t *testing.T) {
	term := New(5, 5)
	term.Write([]byte("abcde"))
	term.Resize(3, 3)
	rows, cols := term.Dimensions()
	if rows != 3 || cols != 3 {
		t.Fatalf("Dimensions() = (%d,%d), want (3,3)", rows, cols)
	}
	if got := firstLine(term.Text()); got != "abc" {
		t.Errorf("after resize first line = %q, want %q", got, "abc")
	}
}

func TestHTMLEscaping(t *testing.T) {
	term := New(1, 10)
	term.Write([]byte("<a>&"))
	html := term.HTML()
	if contains(html, "<a>") {
		t.Errorf("HTML() did not escape input: %q", html)
	}
	if !contains(html, "&lt;a&gt;&amp;") {
		t.Errorf("HTML() = %q, want escaped entities", html)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return trimRight(s[:i])
		}
	}
	return trimRight(s)
}

func trimRight(s string) string {
	end := len(s)
	for end > 0 && s[end-1] == ' ' {
		end--
	}
	return s[:end]
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
