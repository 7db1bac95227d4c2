package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := E(Op("mux.Execute"), KindTimeout, "capture-pane", errors.New("deadline exceeded"))
	require.Equal(t, "mux.Execute: capture-pane: deadline exceeded", err.Error())
}

func TestKindOfWalksChain(t *testing.T) {
	inner := E(KindConflict, errors.New("branch exists"))
	wrapped := fmt.Errorf("create session: %w", inner)

	require.Equal(t, KindConflict, KindOf(wrapped))
	require.True(t, IsKind(wrapped, KindConflict))
	require.False(t, IsKind(wrapped, KindNotFound))
}

func TestKindOfNestedErrors(t *testing.T) {
	inner := E(KindNotFound, errors.New("no such session"))
	outer := E(Op("orchestrator.GetContent"), inner)

	// Outer carries no kind of its own; the inner kind wins.
	require.Equal(t, KindNotFound, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestEWithoutUnderlying(t *testing.T) {
	err := E(Op("worktree.Create"), KindConflict, "path already exists")
	require.Contains(t, err.Error(), "path already exists")
	require.Equal(t, KindConflict, KindOf(err))
}
