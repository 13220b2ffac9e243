package terminal

import (
	"strings"
	"unicode/utf8"
)

// defaultRenderChars is roughly how much displayable text the render buffer
// retains. Status context and idle patterns only ever look at the tail.
const defaultRenderChars = 2000

// RenderBuffer is a minimal terminal emulator over the PTY byte stream.
//
// Raw PTY output is full of escape sequences, \r-based progress overwrites
// and cursor motion; substring-searching it directly produces false idle
// matches against text the child has already erased. The buffer keeps a
// displayable snapshot instead: it honors \b, carriage-return line reset,
// newline, and enough of the ANSI CSI set (cursor moves, erase-in-line,
// erase-display) that stale text does not leak into current content.
// Cursor-perfect fidelity is a non-goal.
type RenderBuffer struct {
	lines    [][]rune
	row, col int
	maxChars int

	// escape-sequence parser state
	state   parseState
	csiBuf  []byte
	pending []byte // partial UTF-8 rune carried across writes
}

type parseState int

const (
	stateNormal parseState = iota
	stateEscape
	stateCSI
	stateOSC
	stateOSCEsc
	stateCharset
)

// NewRenderBuffer creates a render buffer with the default retention.
func NewRenderBuffer() *RenderBuffer {
	return NewRenderBufferWithSize(defaultRenderChars)
}

// NewRenderBufferWithSize creates a render buffer retaining about maxChars
// displayable characters.
func NewRenderBufferWithSize(maxChars int) *RenderBuffer {
	if maxChars <= 0 {
		maxChars = defaultRenderChars
	}
	return &RenderBuffer{
		lines:    [][]rune{nil},
		maxChars: maxChars,
	}
}

// Write feeds raw PTY bytes through the emulator.
func (b *RenderBuffer) Write(p []byte) {
	data := p
	if len(b.pending) > 0 {
		data = append(b.pending, p...)
		b.pending = nil
	}

	for len(data) > 0 {
		switch b.state {
		case stateNormal:
			r, size := utf8.DecodeRune(data)
			if r == utf8.RuneError && size == 1 && !utf8.FullRune(data) {
				// Partial rune at the end of the chunk; wait for more bytes.
				b.pending = append(b.pending, data...)
				return
			}
			data = data[size:]
			b.handleRune(r)
		case stateEscape:
			b.handleEscape(data[0])
			data = data[1:]
		case stateCSI:
			b.handleCSI(data[0])
			data = data[1:]
		case stateOSC:
			if data[0] == 0x07 { // BEL terminates OSC
				b.state = stateNormal
			} else if data[0] == 0x1b {
				b.state = stateOSCEsc
			}
			data = data[1:]
		case stateOSCEsc:
			// ESC \ (ST) terminates OSC; anything else returns to OSC body.
			if data[0] == '\\' {
				b.state = stateNormal
			} else {
				b.state = stateOSC
			}
			data = data[1:]
		case stateCharset:
			b.state = stateNormal
			data = data[1:]
		}
	}

	b.trim()
}

func (b *RenderBuffer) handleRune(r rune) {
	switch r {
	case 0x1b:
		b.state = stateEscape
	case '\n':
		b.row++
		b.col = 0
		for b.row >= len(b.lines) {
			b.lines = append(b.lines, nil)
		}
	case '\r':
		b.col = 0
	case '\b':
		if b.col > 0 {
			b.col--
		}
	case '\t':
		next := (b.col/8 + 1) * 8
		for b.col < next {
			b.putRune(' ')
		}
	case 0x07, 0x00:
		// bell / NUL: no visible effect
	default:
		if r >= 0x20 || r == utf8.RuneError {
			b.putRune(r)
		}
	}
}

func (b *RenderBuffer) putRune(r rune) {
	line := b.lines[b.row]
	for len(line) <= b.col {
		line = append(line, ' ')
	}
	line[b.col] = r
	b.lines[b.row] = line
	b.col++
}

func (b *RenderBuffer) handleEscape(c byte) {
	switch c {
	case '[':
		b.state = stateCSI
		b.csiBuf = b.csiBuf[:0]
	case ']':
		b.state = stateOSC
	case '(', ')':
		b.state = stateCharset
	default:
		b.state = stateNormal
	}
}

func (b *RenderBuffer) handleCSI(c byte) {
	if c >= 0x40 && c <= 0x7e {
		b.dispatchCSI(c)
		b.state = stateNormal
		return
	}
	b.csiBuf = append(b.csiBuf, c)
}

func (b *RenderBuffer) dispatchCSI(final byte) {
	params := string(b.csiBuf)
	if strings.HasPrefix(params, "?") {
		// Private modes (bracketed paste, cursor visibility) have no
		// displayable effect.
		return
	}

	n := csiParam(params, 0, 1)
	switch final {
	case 'A': // cursor up
		b.row -= n
		if b.row < 0 {
			b.row = 0
		}
	case 'B': // cursor down
		b.row += n
		for b.row >= len(b.lines) {
			b.lines = append(b.lines, nil)
		}
	case 'C': // cursor forward
		b.col += n
	case 'D': // cursor back
		b.col -= n
		if b.col < 0 {
			b.col = 0
		}
	case 'G': // cursor horizontal absolute (1-based)
		b.col = n - 1
		if b.col < 0 {
			b.col = 0
		}
	case 'H', 'f': // cursor position; treated relative to the buffer window
		row := csiParam(params, 0, 1) - 1
		col := csiParam(params, 1, 1) - 1
		if row < 0 {
			row = 0
		}
		if row >= len(b.lines) {
			row = len(b.lines) - 1
		}
		b.row = row
		b.col = max(col, 0)
	case 'K': // erase in line
		b.eraseLine(csiParam(params, 0, 0))
	case 'J': // erase in display
		b.eraseDisplay(csiParam(params, 0, 0))
	}
	// SGR (m) and everything else: no displayable effect.
}

func (b *RenderBuffer) eraseLine(mode int) {
	line := b.lines[b.row]
	switch mode {
	case 0: // cursor to end
		if b.col < len(line) {
			b.lines[b.row] = line[:b.col]
		}
	case 1: // start to cursor
		for i := 0; i < b.col && i < len(line); i++ {
			line[i] = ' '
		}
	case 2: // whole line
		b.lines[b.row] = nil
	}
}

func (b *RenderBuffer) eraseDisplay(mode int) {
	switch mode {
	case 0: // cursor to end of screen
		b.eraseLine(0)
		if b.row+1 < len(b.lines) {
			b.lines = b.lines[:b.row+1]
		}
	case 1: // start of screen to cursor
		for i := 0; i < b.row; i++ {
			b.lines[i] = nil
		}
		b.eraseLine(1)
	case 2, 3: // entire screen
		b.lines = [][]rune{nil}
		b.row, b.col = 0, 0
	}
}

// trim drops leading lines once the retained text exceeds maxChars.
func (b *RenderBuffer) trim() {
	total := 0
	for _, line := range b.lines {
		total += len(line) + 1
	}
	for total > b.maxChars && len(b.lines) > 1 {
		total -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
		if b.row > 0 {
			b.row--
		}
	}
}

// String returns the rendered text, lines joined with newlines and trailing
// blank lines dropped.
func (b *RenderBuffer) String() string {
	end := len(b.lines)
	for end > 0 && len(b.lines[end-1]) == 0 {
		end--
	}

	var sb strings.Builder
	for i := 0; i < end; i++ {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.TrimRight(string(b.lines[i]), " "))
	}
	return sb.String()
}

// Tail returns at most n trailing characters of the rendered text.
func (b *RenderBuffer) Tail(n int) string {
	s := b.String()
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func csiParam(params string, index, def int) int {
	fields := strings.Split(params, ";")
	if index >= len(fields) || fields[index] == "" {
		return def
	}
	n := 0
	for _, c := range fields[index] {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
