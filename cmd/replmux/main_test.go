package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"replmux/internal/bridge"
	"replmux/internal/client"
	"replmux/internal/engine"
	"replmux/internal/session"
	"replmux/internal/terminal"
)

// stalledReader blocks in ReadLine until released, like an operator who
// never presses enter.
type stalledReader struct {
	release chan struct{}
}

func (r *stalledReader) ReadLine() (string, error) {
	<-r.release
	return "", io.EOF
}

type fakeConn struct {
	done chan struct{}
	err  error
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func newDriveFixture(t *testing.T) (*session.Session, *terminal.Loop, *bridge.Bridge) {
	t.Helper()
	mgr := session.NewManager(engine.NewJS())
	t.Cleanup(func() { _ = mgr.Close() })
	sess, err := mgr.NewSession()
	require.NoError(t, err)

	b, err := bridge.New(context.Background(), bridge.Local(sess), bridge.WithOwnership(), bridge.WithSingleFlight())
	require.NoError(t, err)

	in := &stalledReader{release: make(chan struct{})}
	t.Cleanup(func() { close(in.release) })
	return sess, terminal.New(b, in, io.Discard), b
}

func waitDrive(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not return")
		return nil
	}
}

func TestDrive_SignalClosesOwnedSession(t *testing.T) {
	sess, loop, b := newDriveFixture(t)
	conn := &fakeConn{done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- drive(ctx, loop, b, conn, zap.NewNop()) }()

	cancel()
	err := waitDrive(t, errCh)
	assert.NoError(t, err, "a signal is a normal exit")
	assert.True(t, sess.Closed(), "owned session must be closed on the way out")
}

func TestDrive_DisconnectClosesBridgeAndExitsTwo(t *testing.T) {
	sess, loop, b := newDriveFixture(t)
	conn := &fakeConn{done: make(chan struct{}), err: client.ErrDisconnected}

	errCh := make(chan error, 1)
	go func() { errCh <- drive(context.Background(), loop, b, conn, zap.NewNop()) }()

	close(conn.done)
	err := waitDrive(t, errCh)
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitConnection, ee.code)
	assert.True(t, errors.Is(err, client.ErrDisconnected))
	assert.True(t, sess.Closed())

	_, err = b.SubmitCommand(context.Background(), "1")
	assert.True(t, errors.Is(err, bridge.ErrClosed))
}

func TestDrive_RemoteExitIsNormal(t *testing.T) {
	sess, _, b := newDriveFixture(t)
	conn := &fakeConn{done: make(chan struct{})}

	// Feed one line that ends the session.
	lines := terminal.NewLineReader(strings.NewReader("exit(); 'bye'\n"))
	loop := terminal.New(b, lines, io.Discard)

	err := drive(context.Background(), loop, b, conn, zap.NewNop())
	assert.NoError(t, err)
	assert.True(t, sess.Closed())
}
