package session

import (
	"context"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterFlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	em := newEmitter(context.Background(), "s", rec, 2, 0)
	require.NoError(t, em.Text("a"))
	assert.Empty(t, rec.updates())
	require.NoError(t, em.Text("b"))
	assert.Len(t, rec.updates(), 1)
	require.NoError(t, em.Text("c"))
	require.NoError(t, em.Close())
	assert.Equal(t, "abc", rec.text())
	assert.Len(t, rec.updates(), 2)
}

func TestEmitterKeepsOrderAroundToolUpdates(t *testing.T) {
	rec := &recorder{}
	em := newEmitter(context.Background(), "s", rec, 100, 0)
	em.Text("before")
	em.Send(protocol.ToolCallStarted("c1", "t", protocol.ToolKindRead, nil, nil))
	em.Text("after")
	require.NoError(t, em.Close())

	updates := rec.updates()
	require.Len(t, updates, 3)
	assert.Equal(t, protocol.UpdateAgentMessageChunk, updates[0].SessionUpdate)
	assert.Equal(t, protocol.UpdateToolCall, updates[1].SessionUpdate)
	assert.Equal(t, "after", updates[2].Content.(*protocol.ContentBlock).Text)
	assert.Equal(t, "s", rec.got[0].SessionID)
}

func TestEmitterFlushesOnTimer(t *testing.T) {
	rec := &recorder{}
	em := newEmitter(context.Background(), "s", rec, 100, 5*time.Millisecond)
	defer em.Close()
	em.Text("tick")
	assert.Eventually(t, func() bool { return rec.text() == "tick" }, time.Second, time.Millisecond)
}

func TestEmitterSendsAfterCancel(t *testing.T) {
	var sawCancelled bool
	out := UpdatesFunc(func(ctx context.Context, _ protocol.SessionNotification) error {
		sawCancelled = ctx.Err() != nil
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	em := newEmitter(ctx, "s", out, 10, 0)
	em.Text("x")
	cancel()
	require.NoError(t, em.Close())
	assert.False(t, sawCancelled)
}

func TestEmitterReportsFirstError(t *testing.T) {
	boom := errors.Internal("pipe closed")
	calls := 0
	out := UpdatesFunc(func(context.Context, protocol.SessionNotification) error {
		calls++
		return boom
	})
	em := newEmitter(context.Background(), "s", out, 1, 0)
	assert.Same(t, boom, em.Text("a"))
	em.Text("b")
	assert.Same(t, boom, em.Close())
	assert.Equal(t, 2, calls)
}
