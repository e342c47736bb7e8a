package session

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"replmux/internal/engine"
	"replmux/internal/metrics"
)

// Session couples one engine instance to its own output broadcaster and
// command history. Sessions are created by a Manager and remove themselves
// from it on Close; a closed session fails every operation with
// ErrSessionClosed.
type Session struct {
	id     uint64
	mgr    *Manager
	logger *zap.Logger

	engine     engine.Engine
	history    *History
	out        *Broadcaster
	transcript *RingBuffer
	exec       Executor

	seq           atomic.Int64 // last allocated sequence number
	current       atomic.Int64 // sequence number being evaluated
	closed        atomic.Bool
	exitRequested atomic.Bool

	// queueMu guards pending and draining. Commands are queued in sequence
	// order and evaluated by a single drain task, so a session occupies at
	// most one executor worker and never waits for its turn inside one.
	queueMu  sync.Mutex
	pending  []command
	draining bool

	// execMu is held while the engine evaluates.
	execMu sync.Mutex

	// subMu guards watchers and is held while notifications are delivered,
	// so nothing reaches a subscriber after its Closed notification.
	subMu    sync.Mutex
	watchers map[string]watcher

	closeOnce sync.Once
}

type watcher struct {
	fn         func(Notification)
	listenerID string
}

// command is one queued evaluation. done is nil for asynchronous
// submissions; synchronous callers wait on it.
type command struct {
	seq  int64
	text string
	mode string
	done chan outcome
}

type outcome struct {
	result string
	err    error
}

// Command modes; the non-empty ones double as metric labels.
const (
	modeExecute = ""
	modeRun     = metrics.ModeRun
	modeSubmit  = metrics.ModeSubmit
)

func newSession(id uint64, m *Manager) (*Session, error) {
	s := &Session{
		id:         id,
		mgr:        m,
		logger:     m.logger.With(zap.Uint64("session", id)),
		history:    NewHistory(),
		out:        NewBroadcaster(),
		transcript: NewRingBuffer(m.transcriptSize),
		exec:       m.exec,
		watchers:   make(map[string]watcher),
	}

	eng, err := m.factory.New(engine.Host{
		Output:  s.out,
		History: s.history.Entries,
		Exit:    func() { s.exitRequested.Store(true) },
	})
	if err != nil {
		return nil, errors.Wrap(err, "create engine")
	}
	s.engine = eng

	s.out.Subscribe(func(ev Event) {
		s.transcript.Write(s.fragment(ev.Text))
	})
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uint64 {
	return s.id
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Info describes the session.
func (s *Session) Info() (Info, error) {
	if s.closed.Load() {
		return Info{}, s.closedErr()
	}
	return Info{
		ID:          s.id,
		HistorySize: s.history.Size(),
		LastSeq:     s.seq.Load(),
	}, nil
}

// HistorySize returns the number of history entries.
func (s *Session) HistorySize() (int, error) {
	if s.closed.Load() {
		return 0, s.closedErr()
	}
	return s.history.Size(), nil
}

// HistoryEntry returns the history entry at index.
func (s *Session) HistoryEntry(index int) (string, error) {
	if s.closed.Load() {
		return "", s.closedErr()
	}
	return s.history.Get(index)
}

// Transcript returns the most recent notifications kept by the session.
func (s *Session) Transcript() ([]Notification, error) {
	if s.closed.Load() {
		return nil, s.closedErr()
	}
	return s.transcript.ReadAll(), nil
}

// Execute evaluates text and returns the engine's result. A script failure
// is returned as *engine.EvalError; the text is appended to the history
// either way.
func (s *Session) Execute(text string) (string, error) {
	out, err := s.wait(modeExecute, text, nil)
	return out.result, firstErr(err, out.err)
}

// Run evaluates text synchronously and returns everything the command
// printed followed by its rendered result. Evaluation errors are rendered
// into the returned text; only a closed session yields an error.
func (s *Session) Run(text string) (string, error) {
	var (
		seq atomic.Int64
		buf strings.Builder
	)
	captureID := s.out.Subscribe(func(ev Event) {
		if cur := s.current.Load(); cur != 0 && cur == seq.Load() {
			buf.WriteString(ev.Text)
		}
	})
	defer s.out.Unsubscribe(captureID)

	out, err := s.wait(modeRun, text, &seq)
	if err != nil {
		return "", err
	}
	if errors.Is(out.err, ErrSessionClosed) {
		return "", out.err
	}
	return buf.String() + renderResult(out.result, out.err), nil
}

// wait queues a synchronous command and blocks until it has been evaluated.
// When seqOut is non-nil it receives the sequence number before evaluation
// starts.
func (s *Session) wait(mode, text string, seqOut *atomic.Int64) (outcome, error) {
	done := make(chan outcome, 1)
	if _, err := s.enqueue(mode, text, done, seqOut); err != nil {
		return outcome{}, err
	}
	return <-done, nil
}

// Submit schedules text for asynchronous evaluation and returns its sequence
// number immediately. Output reaches subscribers tagged with that number and
// ends with a single Final notification carrying the result.
func (s *Session) Submit(text string) (int64, error) {
	return s.enqueue(modeSubmit, text, nil, nil)
}

// enqueue allocates the next sequence number for text and appends it to the
// session's queue, starting a drain task if none is running.
func (s *Session) enqueue(mode, text string, done chan outcome, seqOut *atomic.Int64) (int64, error) {
	s.queueMu.Lock()
	if s.closed.Load() {
		s.queueMu.Unlock()
		return 0, s.closedErr()
	}
	seq := s.seq.Inc()
	if seqOut != nil {
		seqOut.Store(seq)
	}
	s.pending = append(s.pending, command{seq: seq, text: text, mode: mode, done: done})
	start := !s.draining
	s.draining = true
	s.queueMu.Unlock()

	if start {
		if err := s.exec.Submit(s.drain); err != nil {
			// A saturated or released pool must not stall this session.
			s.logger.Debug("executor rejected drain task, using a goroutine", zap.Error(err))
			go s.drain()
		}
	}
	return seq, nil
}

// drain evaluates queued commands in order until the queue is empty or the
// session closes.
func (s *Session) drain() {
	for {
		s.queueMu.Lock()
		if len(s.pending) == 0 || s.closed.Load() {
			rest := s.pending
			s.pending = nil
			s.draining = false
			s.queueMu.Unlock()
			s.abandon(rest)
			return
		}
		cmd := s.pending[0]
		s.pending = s.pending[1:]
		s.queueMu.Unlock()

		s.runCommand(cmd)
	}
}

// runCommand evaluates one queued command and delivers its outcome.
func (s *Session) runCommand(cmd command) {
	result, err := s.evaluate(cmd.seq, cmd.text)
	if errors.Is(err, ErrSessionClosed) {
		if cmd.done != nil {
			cmd.done <- outcome{err: err}
		}
		return
	}
	if cmd.mode != modeExecute {
		metrics.CommandsTotal.WithLabelValues(cmd.mode).Inc()
	}

	exit := s.exitRequested.Load()
	rendered := renderResult(result, err)
	switch {
	case cmd.mode == modeSubmit:
		final := Notification{
			SessionID: s.id,
			Seq:       cmd.seq,
			Text:      rendered,
			Final:     true,
			Timestamp: time.Now().UTC(),
		}
		if exit {
			// The final block doubles as the terminal signal so that a
			// reader never sees the end of this command without also
			// seeing the end of input.
			s.logger.Info("session exit requested by script")
			s.closeWith(&final)
			return
		}
		s.publish(final)
	case cmd.mode == modeRun && rendered != "":
		s.publish(Notification{SessionID: s.id, Seq: cmd.seq, Text: rendered, Timestamp: time.Now().UTC()})
	}

	if exit {
		s.logger.Info("session exit requested by script")
		s.closeWith(nil)
	}
	if cmd.done != nil {
		cmd.done <- outcome{result: result, err: err}
	}
}

// abandon fails synchronous callers of commands that never ran.
func (s *Session) abandon(cmds []command) {
	for _, cmd := range cmds {
		if cmd.done != nil {
			cmd.done <- outcome{err: s.closedErr()}
		}
	}
}

// Subscribe registers fn for every notification of this session until
// Unsubscribe or Close. fn runs on the evaluating goroutine; it must not block
// or call back into the session. On Close, fn receives a final notification
// with Closed set and nothing after it.
func (s *Session) Subscribe(fn func(Notification)) (string, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed.Load() {
		return "", s.closedErr()
	}

	id := uuid.New().String()
	listenerID := s.out.Subscribe(func(ev Event) {
		fn(s.fragment(ev.Text))
	})
	s.watchers[id] = watcher{fn: fn, listenerID: listenerID}
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (s *Session) Unsubscribe(id string) {
	s.subMu.Lock()
	w, ok := s.watchers[id]
	delete(s.watchers, id)
	s.subMu.Unlock()

	if ok {
		s.out.Unsubscribe(w.listenerID)
	}
}

// Close interrupts any running command, removes the session from its
// manager and sends the terminal notification to subscribers. Calling Close
// again has no effect.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// closeWith closes the session. A non-nil final is merged into the terminal
// notification.
func (s *Session) closeWith(final *Notification) {
	s.closeOnce.Do(func() {
		s.queueMu.Lock()
		s.closed.Store(true)
		queued := s.pending
		s.pending = nil
		s.queueMu.Unlock()

		s.engine.Interrupt("session closed")
		s.abandon(queued)

		// Wait for a running command to unwind so no fragment follows the
		// terminal notification.
		s.execMu.Lock()
		defer s.execMu.Unlock()

		s.mgr.remove(s.id)

		closedNote := Notification{SessionID: s.id, Seq: s.seq.Load(), Closed: true, Timestamp: time.Now().UTC()}
		if final != nil {
			closedNote.Seq = final.Seq
			closedNote.Text = final.Text
			closedNote.Final = true
		}

		s.subMu.Lock()
		for _, w := range s.watchers {
			s.out.Unsubscribe(w.listenerID)
			w.fn(closedNote)
		}
		s.watchers = make(map[string]watcher)
		s.subMu.Unlock()

		_ = s.out.Close()
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("engine close failed", zap.Error(err))
		}
		s.logger.Info("session closed")
	})
}

// evaluate runs text as sequence number seq. Only the drain task calls it.
func (s *Session) evaluate(seq int64, text string) (string, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.closed.Load() {
		return "", s.closedErr()
	}

	s.current.Store(seq)
	defer s.current.Store(0)
	s.history.Add(text)
	result, err := s.engine.Execute(text)
	if s.closed.Load() {
		// Interrupted by Close.
		return "", s.closedErr()
	}
	if err != nil {
		metrics.EvalErrorsTotal.Inc()
		var evalErr *engine.EvalError
		if !errors.As(err, &evalErr) {
			err = engine.NewEvalError(err)
		}
	}
	return result, err
}

// fragment tags a piece of engine output with the command being evaluated.
func (s *Session) fragment(text string) Notification {
	return Notification{
		SessionID: s.id,
		Seq:       s.current.Load(),
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// publish delivers n to every subscriber and records it in the transcript.
// Once the session has closed nothing is delivered.
func (s *Session) publish(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed.Load() {
		return
	}
	s.transcript.Write(n)
	for _, w := range s.watchers {
		w.fn(n)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) closedErr() error {
	return errors.Wrapf(ErrSessionClosed, "session %d", s.id)
}

// renderResult turns an evaluation outcome into operator-facing text.
func renderResult(result string, err error) string {
	if err != nil {
		return err.Error() + "\n"
	}
	if result == "" {
		return ""
	}
	return result + "\n"
}
