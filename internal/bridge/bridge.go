// Package bridge turns a remote session's asynchronous, fragment-level output
// into a blocking submit / drain / prompt cycle for a line-oriented terminal.
//
// Every notification is enqueued, in arrival order, by the subscription
// handler; nothing else happens on the notification path. ReadOutputBlock
// pulls blocks off that queue until the final block of the most recently
// submitted command has been delivered, and then reports that no output is
// pending without blocking.
package bridge

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"replmux/internal/queue"
	"replmux/internal/session"
)

// NoCommand is the sequence value before anything was submitted.
const NoCommand int64 = 0

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("bridge closed")

	// ErrCommandInFlight is returned by SubmitCommand on a single-flight
	// bridge while output of the previous command has not been drained.
	ErrCommandInFlight = errors.New("previous command still has pending output")
)

// Remote is the part of a remote session the bridge drives.
type Remote interface {
	Submit(ctx context.Context, text string) (int64, error)
	Subscribe(ctx context.Context, fn func(session.Notification)) (unsubscribe func() error, err error)
	Close(ctx context.Context) error
}

// OutputBlock is one fragment of output tagged with the sequence number of
// the command that produced it.
type OutputBlock struct {
	Seq    int64
	Text   string
	Final  bool
	Closed bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOwnership makes Close also close the remote session.
func WithOwnership() Option {
	return func(b *Bridge) {
		b.owned = true
	}
}

// WithSingleFlight refuses a submission while the previous command still has
// undrained output, so late fragments of one command can never interleave
// with the next.
func WithSingleFlight() Option {
	return func(b *Bridge) {
		b.singleFlight = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge is the client-side synchronizer for one remote session.
type Bridge struct {
	remote       Remote
	owned        bool
	singleFlight bool
	logger       *zap.Logger
	unsubscribe  func() error

	blocks *queue.Queue[OutputBlock]

	// mu serializes SubmitCommand and ReadOutputBlock.
	mu          sync.Mutex
	lastCommand int64
	lastOutput  int64

	closed     atomic.Bool
	endOfInput atomic.Bool
	received   atomic.Int64
	closeOnce  sync.Once
	closeErr   error
}

// New subscribes to remote's output and returns a bridge for it.
func New(ctx context.Context, remote Remote, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		remote:      remote,
		logger:      zap.NewNop(),
		blocks:      queue.New[OutputBlock](),
		lastCommand: NoCommand,
		lastOutput:  NoCommand,
	}
	for _, opt := range opts {
		opt(b)
	}

	unsubscribe, err := remote.Subscribe(ctx, b.intake)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to session output")
	}
	b.unsubscribe = unsubscribe
	return b, nil
}

// intake is the subscription handler. It only enqueues.
func (b *Bridge) intake(n session.Notification) {
	if n.Closed {
		b.endOfInput.Store(true)
	}
	b.received.Inc()
	b.blocks.Push(OutputBlock{Seq: n.Seq, Text: n.Text, Final: n.Final, Closed: n.Closed})
}

// SubmitCommand sends text to the remote session and records its sequence
// number. It does not wait for output.
func (b *Bridge) SubmitCommand(ctx context.Context, text string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrClosed
	}
	if b.singleFlight && b.lastOutput < b.lastCommand {
		return 0, ErrCommandInFlight
	}

	seq, err := b.remote.Submit(ctx, text)
	if err != nil {
		return 0, err
	}
	b.lastCommand = seq
	return seq, nil
}

// ReadOutputBlock returns the next block of output for the commands
// submitted so far. ok is false, without blocking, once the final block of
// the last submitted command has been delivered or the session has closed.
// Otherwise it waits for the next block; Close or ctx cancellation end the
// wait.
func (b *Bridge) ReadOutputBlock(ctx context.Context) (text string, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return "", false, ErrClosed
	}
	if b.lastOutput >= b.lastCommand {
		return "", false, nil
	}

	block, err := b.blocks.Pop(ctx)
	if b.closed.Load() || errors.Is(err, queue.ErrClosed) {
		return "", false, ErrClosed
	}
	if err != nil {
		return "", false, err
	}

	switch {
	case block.Closed:
		// Nothing else is coming for any command. A closing command's own
		// output is still delivered.
		b.lastOutput = b.lastCommand
		if block.Text == "" {
			return "", false, nil
		}
	case block.Final && block.Seq > b.lastOutput:
		b.lastOutput = block.Seq
	}
	return block.Text, true, nil
}

// Pending reports whether output of the last submitted command is still
// outstanding.
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOutput < b.lastCommand
}

// EndOfInput reports whether the remote session has signalled that it closed.
func (b *Bridge) EndOfInput() bool {
	return b.endOfInput.Load()
}

// Close unsubscribes, closes the remote session if the bridge owns it, and
// unblocks a pending ReadOutputBlock. Calling it again returns the first
// result.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.blocks.Close()

		var errs []error
		if b.unsubscribe != nil {
			if err := b.unsubscribe(); err != nil {
				errs = append(errs, errors.Wrap(err, "unsubscribe"))
			}
		}
		if b.owned {
			if err := b.remote.Close(ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "close remote session"))
			}
		}
		b.closeErr = errors.Join(errs...)
		b.logger.Debug("bridge closed", zap.Int64("received", b.received.Load()))
	})
	return b.closeErr
}
