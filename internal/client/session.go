package client

import (
	"context"

	"github.com/cockroachdb/errors"

	"replmux/internal/protocol"
	"replmux/internal/session"
)

// RemoteSession is a handle to a session living on the server. It satisfies
// bridge.Remote.
type RemoteSession struct {
	c  *Client
	id uint64
}

// ID returns the session id.
func (r *RemoteSession) ID() uint64 {
	return r.id
}

// Info describes the session.
func (r *RemoteSession) Info(ctx context.Context) (protocol.SessionInfo, error) {
	var info protocol.SessionInfo
	err := r.call(ctx, protocol.TypeSessionGet, protocol.SessionIDPayload{SessionID: r.id}, &info)
	return info, err
}

// HistorySize returns the number of history entries.
func (r *RemoteSession) HistorySize(ctx context.Context) (int, error) {
	var result protocol.HistorySizeResult
	err := r.call(ctx, protocol.TypeSessionHistorySize, protocol.SessionIDPayload{SessionID: r.id}, &result)
	return result.Size, err
}

// HistoryEntry returns the history entry at index.
func (r *RemoteSession) HistoryEntry(ctx context.Context, index int) (string, error) {
	var result protocol.HistoryEntryResult
	err := r.call(ctx, protocol.TypeSessionHistoryEntry, protocol.HistoryEntryPayload{SessionID: r.id, Index: index}, &result)
	return result.Entry, err
}

// Run evaluates text and waits for its printed output and rendered result.
func (r *RemoteSession) Run(ctx context.Context, text string) (string, error) {
	var result protocol.RunResult
	err := r.call(ctx, protocol.TypeSessionRun, protocol.CommandPayload{SessionID: r.id, Text: text}, &result)
	return result.Output, err
}

// Submit schedules text and returns its sequence number.
func (r *RemoteSession) Submit(ctx context.Context, text string) (int64, error) {
	var result protocol.SubmitResult
	err := r.call(ctx, protocol.TypeSessionSubmit, protocol.CommandPayload{SessionID: r.id, Text: text}, &result)
	return result.Seq, err
}

// Subscribe delivers the session's notifications to fn until the returned
// function is called. fn runs on the connection's read goroutine and must
// not block. If the session closes or the connection drops, fn receives a
// notification with Closed set.
func (r *RemoteSession) Subscribe(ctx context.Context, fn func(session.Notification)) (func() error, error) {
	id, err := r.c.subscribe(ctx, r.id, fn)
	if err != nil {
		return nil, r.stale(err)
	}
	return func() error {
		return r.c.unsubscribe(context.Background(), r.id, id)
	}, nil
}

// Transcript returns the most recent notifications kept by the server.
func (r *RemoteSession) Transcript(ctx context.Context) ([]session.Notification, error) {
	var result protocol.TranscriptResult
	if err := r.call(ctx, protocol.TypeSessionTranscript, protocol.SessionIDPayload{SessionID: r.id}, &result); err != nil {
		return nil, err
	}
	notes := make([]session.Notification, 0, len(result.Entries))
	for _, e := range result.Entries {
		notes = append(notes, session.Notification{
			SessionID: e.SessionID,
			Seq:       e.Seq,
			Text:      e.Text,
			Final:     e.Final,
		})
	}
	return notes, nil
}

// Close closes the session on the server. Closing an already closed
// session succeeds.
func (r *RemoteSession) Close(ctx context.Context) error {
	err := r.call(ctx, protocol.TypeSessionClose, protocol.SessionIDPayload{SessionID: r.id}, nil)
	if errors.Is(err, session.ErrSessionClosed) {
		return nil
	}
	return err
}

func (r *RemoteSession) call(ctx context.Context, msgType string, payload, result interface{}) error {
	return r.stale(r.c.Call(ctx, msgType, payload, result))
}

// stale turns "not found" for this handle's own session into
// ErrSessionClosed: the session existed when the handle was made and ids
// are never reused, so it can only have been closed since.
func (r *RemoteSession) stale(err error) error {
	if err == nil || !errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrIndexOutOfRange) {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "session %d", r.id), session.ErrSessionClosed)
}
