package session

import (
	"context"
	"errors"

	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
)

// maxExtendedLengthRetries bounds the retries without terminal keys after a
// reader rejects an extended-length frame.
const maxExtendedLengthRetries = 1

// Runnable is a unit of work executed inside a session: a single command or
// a task sequencing several.
type Runnable[T any] interface {
	RequiresPreflightRead() bool
	Run(ctx context.Context, s *Session) (T, error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc[T any] struct {
	Preflight bool
	Fn        func(ctx context.Context, s *Session) (T, error)
}

func (f RunnableFunc[T]) RequiresPreflightRead() bool { return f.Preflight }

func (f RunnableFunc[T]) Run(ctx context.Context, s *Session) (T, error) {
	return f.Fn(ctx, s)
}

// RunWithRunnable starts s, runs r and stops s with the outcome. The delegate
// sees exactly one terminal event. When the reader cannot carry an
// extended-length frame and terminal keys are in use, the keys are dropped
// and r runs once more in the same session.
func RunWithRunnable[T any](ctx context.Context, s *Session, r Runnable[T]) (T, error) {
	var zero T

	if err := s.Start(ctx, r.RequiresPreflightRead()); err != nil {
		if errors.Is(err, sdkerr.ErrBusy) && s.State() == StateActive {
			// someone else owns this session
			return zero, err
		}
		s.StopWithError(err)
		return zero, err
	}

	if _, ok := any(r).(*ReadCommand); ok && s.env.Card != nil {
		if cached, ok := any(s.env.Card).(T); ok {
			s.Stop(nil)
			return cached, nil
		}
	}

	for retries := 0; ; retries++ {
		result, err := r.Run(ctx, s)
		if err == nil {
			s.Stop(nil)
			return result, nil
		}

		if errors.Is(err, sdkerr.ErrExtendedLengthNotSupported) && s.env.TerminalKeys != nil && retries < maxExtendedLengthRetries {
			logging.Warn(logging.CatSession, "Reader rejected extended length, retrying without terminal keys", map[string]any{
				"session": s.ID,
			})
			s.env.TerminalKeys = nil
			if r.RequiresPreflightRead() && s.Tag() == TagNfc {
				if err := s.preflightCheck(ctx); err != nil {
					s.StopWithError(err)
					return zero, err
				}
			}
			continue
		}

		s.StopWithError(err)
		return zero, err
	}
}
