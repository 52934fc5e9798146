package preempt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertCancelled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestFirstSignalWins(t *testing.T) {
	m := NewMux(nil)
	ctx := m.Derive(context.Background())

	assert.True(t, m.Signal(CauseUserInput))
	assert.False(t, m.Signal(CausePolicyOverride))
	assert.Equal(t, CauseUserInput, m.Cause())
	assertCancelled(t, ctx)
}

func TestResetReArmsForNextTurn(t *testing.T) {
	m := NewMux(nil)
	first := m.Derive(context.Background())
	require.True(t, m.Signal(CausePolicyOverride))
	assertCancelled(t, first)

	m.Reset()
	assert.Equal(t, Cause(""), m.Cause())

	second := m.Derive(context.Background())
	select {
	case <-second.Done():
		t.Fatal("fresh turn context must not start cancelled")
	default:
	}
	assert.True(t, m.Signal(CauseUserInput))
	assertCancelled(t, second)
}

func TestShutdownIsSticky(t *testing.T) {
	m := NewMux(nil)
	ctx := m.Derive(context.Background())
	require.True(t, m.Signal(CauseShutdown))
	assertCancelled(t, ctx)
	assert.True(t, m.ShutdownRequested())

	// Reset does not clear shutdown; the next derived context is born dead.
	m.Reset()
	assert.Equal(t, CauseShutdown, m.Cause())
	next := m.Derive(context.Background())
	assertCancelled(t, next)
}

func TestShutdownStickinessRecordedEvenWhenLosing(t *testing.T) {
	m := NewMux(nil)
	_ = m.Derive(context.Background())

	require.True(t, m.Signal(CauseUserInput))
	assert.False(t, m.Signal(CauseShutdown))
	assert.Equal(t, CauseUserInput, m.Cause())
	assert.True(t, m.ShutdownRequested())

	m.Reset()
	assert.Equal(t, CauseShutdown, m.Cause())
}

func TestSignalBeforeDeriveCancelsNothingButRecords(t *testing.T) {
	m := NewMux(nil)
	assert.True(t, m.Signal(CauseUserInput))
	assert.Equal(t, CauseUserInput, m.Cause())

	m.Reset()
	ctx := m.Derive(context.Background())
	select {
	case <-ctx.Done():
		t.Fatal("context should be live after reset")
	default:
	}
}
