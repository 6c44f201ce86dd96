package lexer

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/adaminsky/Kale-lang/token"
)

// Lexer pulls bytes one at a time from the input and keeps a one-byte
// pushback in curr. The pushback starts out as a space so leading
// whitespace handling covers the very first read.
type Lexer struct {
	input *bufio.Reader
	curr  byte
	eof   bool

	line int
	col  int
}

func New(input io.Reader) *Lexer {
	return &Lexer{
		input: bufio.NewReader(input),
		curr:  ' ',
		line:  1,
		col:   0,
	}
}

// NewFromString is a convenience constructor for tests and one-shot parses.
func NewFromString(input string) *Lexer {
	return New(strings.NewReader(input))
}

func (l *Lexer) readChar() {
	if l.eof {
		return
	}
	b, err := l.input.ReadByte()
	if err != nil {
		l.eof = true
		l.curr = 0
		return
	}
	if l.curr == '\n' {
		l.line++
		l.col = 0
	}
	l.curr = b
	l.col++
}

func (l *Lexer) pos() token.Position {
	return token.Position{Line: l.line, Column: l.col}
}

func (l *Lexer) NextToken() token.Token {
	for isSpace(l.curr) && !l.eof {
		l.readChar()
	}

	if isLetter(l.curr) {
		return l.readIdentifier()
	}

	if isDigit(l.curr) || l.curr == '.' {
		return l.readNumber()
	}

	if l.curr == '#' {
		// Comment until end of line.
		for !l.eof && l.curr != '\n' && l.curr != '\r' {
			l.readChar()
		}
		if !l.eof {
			return l.NextToken()
		}
	}

	// Don't eat the EOF.
	if l.eof {
		return token.Token{Type: token.EOF, Pos: l.pos()}
	}

	tok := token.Token{Type: token.CHAR, Literal: string(l.curr), Pos: l.pos()}
	l.readChar()
	return tok
}

// readIdentifier scans [A-Za-z][A-Za-z0-9]* and classifies it as a keyword
// or an identifier.
func (l *Lexer) readIdentifier() token.Token {
	pos := l.pos()
	var sb strings.Builder
	for isLetter(l.curr) || isDigit(l.curr) {
		sb.WriteByte(l.curr)
		l.readChar()
	}
	literal := sb.String()
	return token.Token{Type: token.LookupIdent(literal), Literal: literal, Pos: pos}
}

// readNumber scans [0-9.]+ and converts it with strtod semantics: the
// longest leading prefix that forms a valid number is the value. Extra
// '.' bytes are consumed into the literal but ignored by the conversion.
func (l *Lexer) readNumber() token.Token {
	pos := l.pos()
	var sb strings.Builder
	for isDigit(l.curr) || l.curr == '.' {
		sb.WriteByte(l.curr)
		l.readChar()
	}
	literal := sb.String()
	return token.Token{
		Type:    token.NUMBER,
		Literal: literal,
		Value:   strtod(literal),
		Pos:     pos,
	}
}

// strtod converts the longest valid leading prefix of s, like the C
// function of the same name. s contains only digits and dots.
func strtod(s string) float64 {
	end := 0
	dot := false
	for ; end < len(s); end++ {
		if s[end] == '.' {
			if dot {
				break
			}
			dot = true
		}
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		// No digits at all, e.g. ".": no conversion is performed.
		return 0
	}
	return v
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\v' || ch == '\f'
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
