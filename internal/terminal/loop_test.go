package terminal

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replmux/internal/bridge"
	"replmux/internal/engine"
	"replmux/internal/session"
)

// scriptedBridge answers each submission with a fixed list of blocks.
type scriptedBridge struct {
	replies   map[string][]string
	pending   []string
	submitted []string
	endAfter  string
	end       bool
	closed    int
	submitErr error
}

func (b *scriptedBridge) SubmitCommand(_ context.Context, text string) (int64, error) {
	if b.submitErr != nil {
		return 0, b.submitErr
	}
	b.submitted = append(b.submitted, text)
	b.pending = append(b.pending, b.replies[text]...)
	if text == b.endAfter {
		b.end = true
	}
	return int64(len(b.submitted)), nil
}

func (b *scriptedBridge) ReadOutputBlock(context.Context) (string, bool, error) {
	if len(b.pending) == 0 {
		return "", false, nil
	}
	text := b.pending[0]
	b.pending = b.pending[1:]
	return text, true, nil
}

func (b *scriptedBridge) EndOfInput() bool {
	return b.end
}

func (b *scriptedBridge) Close(context.Context) error {
	b.closed++
	return nil
}

type failingReader struct{}

func (failingReader) ReadLine() (string, error) {
	return "", errors.New("terminal gone")
}

func TestLoop_SubmitsLinesAndWritesOutput(t *testing.T) {
	b := &scriptedBridge{replies: map[string][]string{
		"a": {"A1\n", "A2\n"},
		"b": {"B\n"},
	}}
	var out bytes.Buffer

	err := New(b, NewLineReader(strings.NewReader("a\nb\n")), &out).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, b.submitted)
	assert.Equal(t, "A1\nA2\nB\n\n", out.String())
	assert.Equal(t, 1, b.closed)
}

func TestLoop_StopsOnEndOfInput(t *testing.T) {
	b := &scriptedBridge{
		replies:  map[string][]string{"exit": {"bye\n"}},
		endAfter: "exit",
	}
	var out bytes.Buffer

	err := New(b, NewLineReader(strings.NewReader("exit\nnever\n")), &out).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"exit"}, b.submitted)
	assert.Equal(t, "bye\n", out.String())
	assert.Equal(t, 1, b.closed)
}

func TestLoop_EmptyInputWritesNewline(t *testing.T) {
	b := &scriptedBridge{}
	var out bytes.Buffer

	require.NoError(t, New(b, NewLineReader(strings.NewReader("")), &out).Run(context.Background()))
	assert.Equal(t, "\n", out.String())
	assert.Equal(t, 1, b.closed)
}

func TestLoop_ClosesBridgeOnError(t *testing.T) {
	b := &scriptedBridge{}
	err := New(b, failingReader{}, io.Discard).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, b.closed)

	b = &scriptedBridge{submitErr: errors.New("connection reset")}
	err = New(b, NewLineReader(strings.NewReader("x\n")), io.Discard).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, b.closed)
}

func TestLineReader_TrimsTerminators(t *testing.T) {
	r := NewLineReader(strings.NewReader("one\r\ntwo\nthree"))
	for _, want := range []string{"one", "two", "three"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLoop_WithLocalSession(t *testing.T) {
	mgr := session.NewManager(engine.NewJS())
	defer mgr.Close()
	s, err := mgr.NewSession()
	require.NoError(t, err)

	b, err := bridge.New(context.Background(), bridge.Local(s), bridge.WithOwnership(), bridge.WithSingleFlight())
	require.NoError(t, err)

	input := strings.Join([]string{
		"1+1",
		"bad syntax(((",
		"print('hi')",
		"exit(); 'bye'",
		"never submitted",
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, New(b, NewLineReader(strings.NewReader(input)), &out).Run(context.Background()))

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "2\n"), got)
	assert.Contains(t, got, "\nhi\n")
	assert.True(t, strings.HasSuffix(got, "bye\n"), got)
	// The syntax error was reported between the two results.
	assert.Greater(t, len(got), len("2\nhi\nbye\n"))
	assert.True(t, s.Closed())
	assert.Equal(t, 0, mgr.Count())
}
