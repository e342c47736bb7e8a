package bridge

import (
	"context"

	"replmux/internal/session"
)

// Local adapts an in-process session to Remote.
func Local(s *session.Session) Remote {
	return localRemote{s: s}
}

type localRemote struct {
	s *session.Session
}

func (l localRemote) Submit(_ context.Context, text string) (int64, error) {
	return l.s.Submit(text)
}

func (l localRemote) Subscribe(_ context.Context, fn func(session.Notification)) (func() error, error) {
	id, err := l.s.Subscribe(fn)
	if err != nil {
		return nil, err
	}
	return func() error {
		l.s.Unsubscribe(id)
		return nil
	}, nil
}

func (l localRemote) Close(context.Context) error {
	return l.s.Close()
}
