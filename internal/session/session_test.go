package session

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replmux/internal/engine"
)

// collector gathers notifications delivered to a subscription.
type collector struct {
	ch chan Notification
}

func newCollector() *collector {
	return &collector{ch: make(chan Notification, 256)}
}

func (c *collector) fn(n Notification) {
	c.ch <- n
}

// untilFinal reads notifications up to and including the final one for seq.
func (c *collector) untilFinal(t *testing.T, seq int64) []Notification {
	t.Helper()
	var out []Notification
	for {
		select {
		case n := <-c.ch:
			out = append(out, n)
			if n.Final && n.Seq == seq {
				return out
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for final notification %d", seq)
		}
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := newTestManager(t).NewSession()
	require.NoError(t, err)
	return s
}

func TestSession_Execute(t *testing.T) {
	s := newTestSession(t)

	out, err := s.Execute("1+1")
	require.NoError(t, err)
	assert.Equal(t, "2", out)

	_, err = s.Execute("bad syntax(((")
	var evalErr *engine.EvalError
	require.True(t, errors.As(err, &evalErr))

	size, err := s.HistorySize()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestSession_HistoryAppendedOncePerCall(t *testing.T) {
	s := newTestSession(t)

	_, _ = s.Execute("x = 1")
	_, _ = s.Execute("x = 1")
	_, _ = s.Execute("throw 1")
	_, _ = s.Run("x")

	size, err := s.HistorySize()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	entry, err := s.HistoryEntry(1)
	require.NoError(t, err)
	assert.Equal(t, "throw 1", entry)

	_, err = s.HistoryEntry(3)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

func TestSession_RunReturnsOutputAndResult(t *testing.T) {
	s := newTestSession(t)

	out, err := s.Run(`print("hello"); 6*7`)
	require.NoError(t, err)
	assert.Equal(t, "hello\n42\n", out)

	out, err = s.Run("bad syntax(((")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = s.Run("1+1")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestSession_SubmitTagsOutputWithSequence(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	seq, err := s.Submit(`print("a"); print("b"); 1+1`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	got := c.untilFinal(t, seq)
	require.Len(t, got, 3)
	assert.Equal(t, "a\n", got[0].Text)
	assert.Equal(t, "b\n", got[1].Text)
	assert.Equal(t, "2\n", got[2].Text)
	for _, n := range got {
		assert.Equal(t, seq, n.Seq)
		assert.Equal(t, s.ID(), n.SessionID)
	}
	assert.False(t, got[0].Final)
	assert.True(t, got[2].Final)
}

func TestSession_SubmitEvalErrorIsOutput(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	seq, err := s.Submit("bad syntax(((")
	require.NoError(t, err)
	got := c.untilFinal(t, seq)
	assert.NotEmpty(t, got[len(got)-1].Text)

	seq, err = s.Submit("'still' + ' alive'")
	require.NoError(t, err)
	got = c.untilFinal(t, seq)
	assert.Equal(t, "still alive\n", got[len(got)-1].Text)
}

func TestSession_SubmissionsRunInSequenceOrder(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	_, err = s.Execute("var log = []")
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10; i++ {
		last, err = s.Submit("log.push(" + string(rune('0'+i)) + "); log.length")
		require.NoError(t, err)
	}
	c.untilFinal(t, last)

	out, err := s.Execute("log.join('')")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", out)
}

func TestSession_UnsubscribeStopsDelivery(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	id, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	s.Unsubscribe(id)
	s.Unsubscribe("unknown")

	_, err = s.Run(`print("nobody listens")`)
	require.NoError(t, err)
	assert.Empty(t, c.ch)
}

func TestSession_CloseSendsTerminalSignal(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case n := <-c.ch:
		assert.True(t, n.Closed)
	case <-time.After(time.Second):
		t.Fatal("no terminal notification")
	}
	assert.Empty(t, c.ch)
}

func TestSession_StaleReferenceFailsClean(t *testing.T) {
	mgr := newTestManager(t)
	s, err := mgr.NewSession()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = mgr.GetSession(s.ID())
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Execute("1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.Run("1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.Submit("1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.Subscribe(func(Notification) {})
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.HistorySize()
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.HistoryEntry(0)
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.Transcript()
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.Info()
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSession_ExitBuiltinClosesSession(t *testing.T) {
	mgr := newTestManager(t)
	s, err := mgr.NewSession()
	require.NoError(t, err)
	c := newCollector()
	_, err = s.Subscribe(c.fn)
	require.NoError(t, err)

	seq, err := s.Submit("exit(); 'bye'")
	require.NoError(t, err)
	got := c.untilFinal(t, seq)

	// The result and the terminal signal arrive as one notification.
	last := got[len(got)-1]
	assert.Equal(t, "bye\n", last.Text)
	assert.True(t, last.Closed)
	assert.Empty(t, c.ch)
	assert.True(t, s.Closed())
	assert.Empty(t, mgr.ListSessions())
}

func TestSession_CloseInterruptsRunningCommand(t *testing.T) {
	s := newTestSession(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute("for (;;) {}")
	}()

	// Give the loop a moment to start before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("running command was not interrupted")
	}
}

func TestSession_Transcript(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	seq, err := s.Submit(`print("x"); 1`)
	require.NoError(t, err)
	c.untilFinal(t, seq)

	notes, err := s.Transcript()
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "x\n", notes[0].Text)
	assert.True(t, notes[1].Final)
}

func TestSession_QueuedCommandsHoldOneWorker(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()
	mgr := newTestManager(t, WithExecutor(pool))

	busy, err := mgr.NewSession()
	require.NoError(t, err)
	_, err = busy.Submit("for (;;) {}")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = busy.Submit("1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, pool.Running(), "one session must occupy at most one worker")

	other, err := mgr.NewSession()
	require.NoError(t, err)
	c := newCollector()
	_, err = other.Subscribe(c.fn)
	require.NoError(t, err)

	seq, err := other.Submit("2+2")
	require.NoError(t, err)
	got := c.untilFinal(t, seq)
	assert.Equal(t, "4\n", got[len(got)-1].Text)

	out, err := other.Run("'sync' + 1")
	require.NoError(t, err)
	assert.Equal(t, "sync1\n", out)

	require.NoError(t, busy.Close())
}

func TestSession_SaturatedPoolDoesNotBlockSubmit(t *testing.T) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()
	mgr := newTestManager(t, WithExecutor(pool))

	busy, err := mgr.NewSession()
	require.NoError(t, err)
	_, err = busy.Submit("for (;;) {}")
	require.NoError(t, err)

	other, err := mgr.NewSession()
	require.NoError(t, err)
	c := newCollector()
	_, err = other.Subscribe(c.fn)
	require.NoError(t, err)

	submitted := make(chan int64, 1)
	go func() {
		seq, err := other.Submit("'free'")
		assert.NoError(t, err)
		submitted <- seq
	}()
	select {
	case seq := <-submitted:
		got := c.untilFinal(t, seq)
		assert.Equal(t, "free\n", got[len(got)-1].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("submit blocked on a saturated pool")
	}

	require.NoError(t, busy.Close())
}

func TestSession_ConcurrentSubmittersKeepSequenceOrder(t *testing.T) {
	pool, err := ants.NewPool(1)
	require.NoError(t, err)
	defer pool.Release()
	s, err := newTestManager(t, WithExecutor(pool)).NewSession()
	require.NoError(t, err)

	c := newCollector()
	_, err = s.Subscribe(c.fn)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit("1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := c.untilFinal(t, n)
	var finals []int64
	for _, note := range got {
		if note.Final {
			finals = append(finals, note.Seq)
		}
	}
	require.Len(t, finals, n)
	for i, seq := range finals {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestSession_NothingFollowsClosed(t *testing.T) {
	s := newTestSession(t)
	c := newCollector()
	_, err := s.Subscribe(c.fn)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := s.Submit(`print("x"); 1`)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	closedAt := -1
	var count int
	for {
		select {
		case note := <-c.ch:
			if note.Closed {
				closedAt = count
			}
			count++
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	require.NotEqual(t, -1, closedAt, "no terminal notification")
	assert.Equal(t, count-1, closedAt, "notifications delivered after Closed")
}

func TestSession_CloseFailsQueuedRun(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Submit("for (;;) {}")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run("1")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrSessionClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("queued Run was not released by Close")
	}
}
