package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeferUntilCommitRunsImmediatelyWithoutScope(t *testing.T) {
	ran := false
	DeferUntilCommit(context.Background(), func() { ran = true })
	require.True(t, ran)
}

func TestCommitScopeFlushesInOrder(t *testing.T) {
	ctx, flush := NewCommitScope(context.Background())
	var order []int
	DeferUntilCommit(ctx, func() { order = append(order, 1) })
	DeferUntilCommit(ctx, func() { order = append(order, 2) })
	require.Empty(t, order)

	flush()
	require.Equal(t, []int{1, 2}, order)

	flush()
	require.Equal(t, []int{1, 2}, order)
}

func TestNestedScopeDefersToOuter(t *testing.T) {
	outer, flushOuter := NewCommitScope(context.Background())
	inner, flushInner := NewCommitScope(outer)

	ran := false
	DeferUntilCommit(inner, func() { ran = true })
	flushInner()
	require.False(t, ran)

	flushOuter()
	require.True(t, ran)
}

func TestTxFromContextEmpty(t *testing.T) {
	_, ok := TxFromContext(context.Background())
	require.False(t, ok)
}
