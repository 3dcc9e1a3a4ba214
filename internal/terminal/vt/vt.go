// Package vt is an in-memory ANSI terminal emulator: a pure data structure
// with no I/O of its own. It tracks a cell grid, cursor position, and SGR
// attribute state, and renders either a plain-text transcript or an HTML
// representation of the current screen.
//
// There is no charmbracelet/x/vt or similar dependency behind this package:
// those libraries are built for driving a live TUI widget, not for producing
// the specific replayable event stream an interactive recording needs, so
// the cell grid and CSI parser here are hand-rolled against the same
// minimum control vocabulary (CUU/CUD/CUF/CUB, CUP, ED, EL, SGR) a terminal
// emulator composing those features would expose.
package vt

import (
	"strconv"
	"strings"
)

// Cell is one character position on the screen grid.
type Cell struct {
	Rune rune
	Attr Attr
}

// Attr carries the SGR attribute state applied to a cell.
type Attr struct {
	Bold      bool
	Dim       bool
	Italic    bool
	Underline bool
	Blink     bool
	Reverse   bool
	Hidden    bool
	FG        int // -1 = default, else 30-37 base code
	BG        int // -1 = default, else 40-47 base code
}

func defaultAttr() Attr { return Attr{FG: -1, BG: -1} }

// Terminal is the emulator's screen + cursor + parser state.
type Terminal struct {
	rows, cols int
	grid       [][]Cell
	curRow     int
	curCol     int
	attr       Attr

	parseState int // 0 = ground, 1 = saw ESC, 2 = in CSI
	csiParams  []string
	csiCur     strings.Builder
}

// New creates a terminal emulator with the given dimensions.
func New(rows, cols int) *Terminal {
	t := &Terminal{rows: rows, cols: cols, attr: defaultAttr()}
	t.grid = newGrid(rows, cols)
	return t
}

func newGrid(rows, cols int) [][]Cell {
	g := make([][]Cell, rows)
	for r := range g {
		g[r] = make([]Cell, cols)
		for c := range g[r] {
			g[r][c] = Cell{Rune: ' ', Attr: defaultAttr()}
		}
	}
	return g
}

// Resize preserves the top-left intersection of the old and new grids and
// clamps the cursor into the new grid.
func (t *Terminal) Resize(rows, cols int) {
	newG := newGrid(rows, cols)
	for r := 0; r < rows && r < t.rows; r++ {
		for c := 0; c < cols && c < t.cols; c++ {
			newG[r][c] = t.grid[r][c]
		}
	}
	t.grid = newG
	t.rows, t.cols = rows, cols
	if t.curRow >= rows {
		t.curRow = rows - 1
	}
	if t.curCol >= cols {
		t.curCol = cols - 1
	}
}

// Write feeds raw PTY output bytes through the parser, updating grid state.
func (t *Terminal) Write(data []byte) {
	for _, b := range data {
		t.step(b)
	}
}

func (t *Terminal) step(b byte) {
	switch t.parseState {
	case 1: // saw ESC
		if b == '[' {
			t.parseState = 2
			t.csiParams = nil
			t.csiCur.Reset()
			return
		}
		// unknown escape, consumed and ignored
		t.parseState = 0
		return
	case 2: // inside CSI
		switch {
		case b >= '0' && b <= '9':
			t.csiCur.WriteByte(b)
			return
		case b == ';':
			t.csiParams = append(t.csiParams, t.csiCur.String())
			t.csiCur.Reset()
			return
		default:
			t.csiParams = append(t.csiParams, t.csiCur.String())
			t.csiCur.Reset()
			t.dispatchCSI(b, t.csiParams)
			t.parseState = 0
			return
		}
	}

	switch b {
	case 0x1b: // ESC
		t.parseState = 1
	case '\n':
		t.lineFeed()
	case '\r':
		t.curCol = 0
	case '\b':
		if t.curCol > 0 {
			t.curCol--
		}
	case '\t':
		next := ((t.curCol / 8) + 1) * 8
		for t.curCol < next && t.curCol < t.cols {
			t.putRune(' ')
		}
	default:
		if b >= 0x20 {
			t.putRune(rune(b))
		}
	}
}

func (t *Terminal) putRune(r rune) {
	if t.curCol >= t.cols {
		t.curCol = 0
		t.lineFeed()
	}
	t.grid[t.curRow][t.curCol] = Cell{Rune: r, Attr: t.attr}
	t.curCol++
}

func (t *Terminal) lineFeed() {
	t.curCol = 0
	if t.curRow == t.rows-1 {
		t.scroll()
	} else {
		t.curRow++
	}
}

// scroll is always bottom-aligned: the top line is discarded.
func (t *Terminal) scroll() {
	copy(t.grid, t.grid[1:])
	t.grid[t.rows-1] = make([]Cell, t.cols)
	for c := range t.grid[t.rows-1] {
		t.grid[t.rows-1][c] = Cell{Rune: ' ', Attr: defaultAttr()}
	}
}

func param(params []string, i int, def int) int {
	if i >= len(params) || params[i] == "" {
		return def
	}
	v, err := strconv.Atoi(params[i])
	if err != nil {
		return def
	}
	return v
}

func (t *Terminal) dispatchCSI(final byte, params []string) {
	switch final {
	case 'A': // CUU
		t.curRow -= max(param(params, 0, 1), 1)
		t.clampCursor()
	case 'B': // CUD
		t.curRow += max(param(params, 0, 1), 1)
		t.clampCursor()
	case 'C': // CUF
		t.curCol += max(param(params, 0, 1), 1)
		t.clampCursor()
	case 'D': // CUB
		t.curCol -= max(param(params, 0, 1), 1)
		t.clampCursor()
	case 'H', 'f': // CUP
		row := max(param(params, 0, 1), 1) - 1
		col := max(param(params, 1, 1), 1) - 1
		t.curRow, t.curCol = row, col
		t.clampCursor()
	case 'J': // ED
		t.eraseDisplay(param(params, 0, 0))
	case 'K': // EL
		t.eraseLine(param(params, 0, 0))
	case 'm': // SGR
		t.applySGR(params)
	}
}

func (t *Terminal) clampCursor() {
	if t.curRow < 0 {
		t.curRow = 0
	}
	if t.curRow >= t.rows {
		t.curRow = t.rows - 1
	}
	if t.curCol < 0 {
		t.curCol = 0
	}
	if t.curCol >= t.cols {
		t.curCol = t.cols - 1
	}
}

func (t *Terminal) eraseDisplay(mode int) {
	switch mode {
	case 0:
		t.eraseLine(0)
		for r := t.curRow + 1; r < t.rows; r++ {
			t.clearRow(r)
		}
	case 1:
		t.eraseLine(1)
		for r := 0; r < t.curRow; r++ {
			t.clearRow(r)
		}
	case 2, 3:
		for r := 0; r < t.rows; r++ {
			t.clearRow(r)
		}
	}
}

func (t *Terminal) eraseLine(mode int) {
	switch mode {
	case 0:
		for c := t.curCol; c < t.cols; c++ {
			t.grid[t.curRow][c] = Cell{Rune: ' ', Attr: defaultAttr()}
		}
	case 1:
		for c := 0; c <= t.curCol && c < t.cols; c++ {
			t.grid[t.curRow][c] = Cell{Rune: ' ', Attr: defaultAttr()}
		}
	case 2:
		t.clearRow(t.curRow)
	}
}

func (t *Terminal) clearRow(r int) {
	for c := 0; c < t.cols; c++ {
		t.grid[r][c] = Cell{Rune: ' ', Attr: defaultAttr()}
	}
}

func (t *Terminal) applySGR(params []string) {
	if len(params) == 0 {
		t.attr = defaultAttr()
		return
	}
	for _, p := range params {
		code := param([]string{p}, 0, 0)
		switch {
		case code == 0:
			t.attr = defaultAttr()
		case code == 1:
			t.attr.Bold = true
		case code == 2:
			t.attr.Dim = true
		case code == 3:
			t.attr.Italic = true
		case code == 4:
			t.attr.Underline = true
		case code == 5:
			t.attr.Blink = true
		case code == 7:
			t.attr.Reverse = true
		case code == 8:
			t.attr.Hidden = true
		case code == 22:
			t.attr.Bold, t.attr.Dim = false, false
		case code == 23:
			t.attr.Italic = false
		case code == 24:
			t.attr.Underline = false
		case code == 25:
			t.attr.Blink = false
		case code == 27:
			t.attr.Reverse = false
		case code == 28:
			t.attr.Hidden = false
		case code >= 30 && code <= 37:
			t.attr.FG = code
		case code == 39:
			t.attr.FG = -1
		case code >= 40 && code <= 47:
			t.attr.BG = code
		case code == 49:
			t.attr.BG = -1
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Text returns a plain-text transcript of the current grid.
func (t *Terminal) Text() string {
	var b strings.Builder
	for r := 0; r < t.rows; r++ {
		for c := 0; c < t.cols; c++ {
			b.WriteRune(t.grid[r][c].Rune)
		}
		if r != t.rows-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// HTML renders the grid with per-cell attribute spans, escaping & < > " '.
// The cursor cell is rendered with inverted default colors.
func (t *Terminal) HTML() string {
	var b strings.Builder
	b.WriteString(`<pre class="term">`)
	for r := 0; r < t.rows; r++ {
		for c := 0; c < t.cols; c++ {
			cell := t.grid[r][c]
			attr := cell.Attr
			isCursor := r == t.curRow && c == t.curCol
			if isCursor {
				attr.Reverse = !attr.Reverse
			}
			style := sgrStyle(attr)
			if style != "" {
				b.WriteString(`<span style="`)
				b.WriteString(style)
				b.WriteString(`">`)
				b.WriteString(escapeHTML(cell.Rune))
				b.WriteString(`</span>`)
			} else {
				b.WriteString(escapeHTML(cell.Rune))
			}
		}
		if r != t.rows-1 {
			b.WriteByte('\n')
		}
	}
	b.WriteString(`</pre>`)
	return b.String()
}

func escapeHTML(r rune) string {
	switch r {
	case '&':
		return "&amp;"
	case '<':
		return "&lt;"
	case '>':
		return "&gt;"
	case '"':
		return "&quot;"
	case '\'':
		return "&#39;"
	default:
		return string(r)
	}
}

var ansiColorNames = map[int]string{
	30: "black", 31: "red", 32: "green", 33: "yellow",
	34: "blue", 35: "magenta", 36: "cyan", 37: "white",
}

func sgrStyle(a Attr) string {
	fg, bg := a.FG, a.BG
	if a.Reverse {
		fg, bg = bg, fg
		if fg == -1 {
			fg = 37
		} else {
			fg -= 10
		}
		if bg == -1 {
			bg = 40
		} else {
			bg += 10
		}
	}
	var parts []string
	if fg != -1 {
		parts = append(parts, "color:"+ansiColorNames[fg])
	}
	if bg != -1 {
		parts = append(parts, "background-color:"+ansiColorNames[bg-10])
	}
	if a.Bold {
		parts = append(parts, "font-weight:bold")
	}
	if a.Dim {
		parts = append(parts, "opacity:0.6")
	}
	if a.Italic {
		parts = append(parts, "font-style:italic")
	}
	if a.Underline {
		parts = append(parts, "text-decoration:underline")
	}
	if a.Hidden {
		parts = append(parts, "visibility:hidden")
	}
	return strings.Join(parts, ";")
}

// Dimensions returns the current row/column counts.
func (t *Terminal) Dimensions() (rows, cols int) { return t.rows, t.cols }

// Cursor returns the current cursor row/column, both zero-based.
func (t *Terminal) Cursor() (row, col int) { return t.curRow, t.curCol }
