// Package terminal runs the interactive loop: drain the output of the last
// command, then read and submit the next line.
package terminal

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// LineReader reads one line of input without its terminator. It returns
// io.EOF at end of input.
type LineReader interface {
	ReadLine() (string, error)
}

// Bridge is the part of a bridge.Bridge the loop drives.
type Bridge interface {
	SubmitCommand(ctx context.Context, text string) (int64, error)
	ReadOutputBlock(ctx context.Context) (string, bool, error)
	EndOfInput() bool
	Close(ctx context.Context) error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loop connects a line-oriented terminal to a bridge.
type Loop struct {
	bridge Bridge
	in     LineReader
	out    io.Writer
	logger *zap.Logger
}

// New creates a loop reading commands from in and writing output to out.
func New(b Bridge, in LineReader, out io.Writer, opts ...Option) *Loop {
	l := &Loop{
		bridge: b,
		in:     in,
		out:    out,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run alternates between draining output and submitting input until the
// remote side ends input or the local input ends. The bridge is closed on
// return, whatever the outcome.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := l.bridge.Close(context.WithoutCancel(ctx)); cerr != nil {
			l.logger.Warn("close bridge", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}()

	commands := 0
	for {
		if err := l.drain(ctx); err != nil {
			return err
		}
		if l.bridge.EndOfInput() {
			l.logger.Debug("remote ended input", zap.Int("commands", commands))
			return nil
		}

		line, err := l.in.ReadLine()
		if errors.Is(err, io.EOF) {
			_, werr := io.WriteString(l.out, "\n")
			return werr
		}
		if err != nil {
			return errors.Wrap(err, "read input")
		}
		if l.bridge.EndOfInput() {
			// The session went away while the operator was typing.
			return nil
		}

		if _, err := l.bridge.SubmitCommand(ctx, line); err != nil {
			return errors.Wrap(err, "submit command")
		}
		commands++
	}
}

// drain writes output blocks until none are pending.
func (l *Loop) drain(ctx context.Context) error {
	for {
		text, ok, err := l.bridge.ReadOutputBlock(ctx)
		if err != nil {
			return errors.Wrap(err, "read output")
		}
		if !ok {
			return nil
		}
		if _, err := io.WriteString(l.out, text); err != nil {
			return errors.Wrap(err, "write output")
		}
	}
}
