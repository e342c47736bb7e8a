package terminal

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

// ErrNotTerminal is returned by OpenTTY when the input is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

// NewLineReader reads newline-terminated lines from r. A final line without
// a terminator is still returned.
func NewLineReader(r io.Reader) LineReader {
	return &scanReader{scanner: bufio.NewScanner(r)}
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (s *scanReader) ReadLine() (string, error) {
	if s.scanner.Scan() {
		return strings.TrimSuffix(s.scanner.Text(), "\r"), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// TTY is an interactive terminal with line editing and history. It switches
// the terminal to raw mode until Close.
type TTY struct {
	fd    int
	state *term.State
	term  *term.Terminal
}

// OpenTTY puts in into raw mode and returns a line editor drawing on out.
func OpenTTY(in, out *os.File, prompt string) (*TTY, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, errors.Wrap(err, "enter raw mode")
	}

	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	t := &TTY{fd: fd, state: state, term: term.NewTerminal(rw, prompt)}

	if width, height, err := term.GetSize(int(out.Fd())); err == nil {
		t.term.SetSize(width, height)
	}
	return t, nil
}

// ReadLine reads one edited line. Ctrl-D on an empty line returns io.EOF.
func (t *TTY) ReadLine() (string, error) {
	return t.term.ReadLine()
}

// Write writes output, translating newlines for raw mode.
func (t *TTY) Write(p []byte) (int, error) {
	return t.term.Write(p)
}

// Close restores the terminal state.
func (t *TTY) Close() error {
	return term.Restore(t.fd, t.state)
}
