package db

import (
	"context"
	"sync"
)

type scopeKey struct{}

type commitScope struct {
	mu  sync.Mutex
	fns []func()
}

// NewCommitScope returns a context collecting DeferUntilCommit callbacks and
// a flush function that runs them in registration order. If ctx already has a
// scope it is reused and flush is a no-op, leaving the outer owner in charge.
func NewCommitScope(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(scopeKey{}).(*commitScope); ok {
		return ctx, func() {}
	}
	scope := &commitScope{}
	return context.WithValue(ctx, scopeKey{}, scope), scope.flush
}

// DeferUntilCommit schedules fn to run after the surrounding transaction
// commits. Without a scope fn runs immediately.
func DeferUntilCommit(ctx context.Context, fn func()) {
	scope, ok := ctx.Value(scopeKey{}).(*commitScope)
	if !ok {
		fn()
		return
	}
	scope.mu.Lock()
	scope.fns = append(scope.fns, fn)
	scope.mu.Unlock()
}

func (s *commitScope) flush() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
