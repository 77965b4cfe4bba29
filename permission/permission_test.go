package permission

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPeer struct {
	calls  atomic.Int64
	answer func(req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)
	last   protocol.RequestPermissionRequest
}

func (p *scriptedPeer) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	p.calls.Add(1)
	p.last = req
	return p.answer(req)
}

func selected(option string) func(protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	return func(protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
		return protocol.RequestPermissionResponse{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: option}}, nil
	}
}

func editReq(id string) Request {
	return Request{ToolCallID: id, Title: "write_file", Kind: protocol.ToolKindEdit, Target: "/repo/a.go"}
}

func TestAlwaysIsNotReprompted(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionAllowAlways)}
	b := NewBroker(peer, Options{})
	ctx := context.Background()

	d := b.Check(ctx, "s1", editReq("c1"))
	assert.True(t, d.Allowed)
	assert.Equal(t, ScopeAlways, d.Scope)

	d = b.Check(ctx, "s1", editReq("c2"))
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, peer.calls.Load())

	// another session or target is asked again
	b.Check(ctx, "s2", editReq("c3"))
	other := editReq("c4")
	other.Target = "/repo/b.go"
	b.Check(ctx, "s1", other)
	assert.EqualValues(t, 3, peer.calls.Load())
}

func TestOnceIsReprompted(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionAllowOnce)}
	b := NewBroker(peer, Options{})
	ctx := context.Background()

	assert.True(t, b.Check(ctx, "s1", editReq("c1")).Allowed)
	assert.True(t, b.Check(ctx, "s1", editReq("c2")).Allowed)
	assert.EqualValues(t, 2, peer.calls.Load())

	// the same tool call is answered from the turn's transient decisions
	assert.True(t, b.Check(ctx, "s1", editReq("c2")).Allowed)
	assert.EqualValues(t, 2, peer.calls.Load())

	b.ClearTransient("s1")
	b.Check(ctx, "s1", editReq("c2"))
	assert.EqualValues(t, 3, peer.calls.Load())
}

func TestRejectOnce(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionRejectOnce)}
	b := NewBroker(peer, Options{})
	d := b.Check(context.Background(), "s1", editReq("c1"))
	assert.False(t, d.Allowed)
	assert.False(t, d.Cancelled)
	assert.Nil(t, d.Err)
	assert.Equal(t, "rejected", d.String())
}

func TestPeerErrorIsDenial(t *testing.T) {
	peer := &scriptedPeer{answer: func(protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
		return protocol.RequestPermissionResponse{}, errors.Timeout(false, "request session/request_permission timed out after %s", 30*time.Second)
	}}
	b := NewBroker(peer, Options{})

	d := b.Check(context.Background(), "s1", editReq("c1"))
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Err)
	assert.Equal(t, errors.KindTimeout, d.Err.Kind)

	// failures are never cached
	b.Check(context.Background(), "s1", editReq("c1"))
	assert.EqualValues(t, 2, peer.calls.Load())
}

func TestUnknownOptionIsDenial(t *testing.T) {
	b := NewBroker(&scriptedPeer{answer: selected("maybe")}, Options{})
	d := b.Check(context.Background(), "s1", editReq("c1"))
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Err)
	assert.Equal(t, errors.KindInvalidParams, d.Err.Kind)
}

func TestCancelledOutcome(t *testing.T) {
	peer := &scriptedPeer{answer: func(protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
		return protocol.RequestPermissionResponse{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled}}, nil
	}}
	d := NewBroker(peer, Options{}).Check(context.Background(), "s1", editReq("c1"))
	assert.False(t, d.Allowed)
	assert.True(t, d.Cancelled)
	assert.Nil(t, d.Err)
}

func TestContextCancelledWhileAsking(t *testing.T) {
	started := make(chan struct{})
	peer := RequesterFunc(func(ctx context.Context, _ protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
		close(started)
		<-ctx.Done()
		return protocol.RequestPermissionResponse{}, errors.Classify(ctx.Err())
	})
	b := NewBroker(peer, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Decision, 1)
	go func() { done <- b.Check(ctx, "s1", editReq("c1")) }()
	<-started
	cancel()

	select {
	case d := <-done:
		assert.True(t, d.Cancelled)
		assert.False(t, d.Allowed)
		assert.Nil(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return after cancel")
	}

	// already cancelled: the client is not asked
	d := b.Check(ctx, "s1", editReq("c2"))
	assert.True(t, d.Cancelled)
}

func TestAutoModeNeverAsks(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionRejectOnce)}
	b := NewBroker(peer, Options{Mode: ModeAuto})
	d := b.Check(context.Background(), "s1", editReq("c1"))
	assert.True(t, d.Allowed)
	assert.Equal(t, ScopeOnce, d.Scope)
	assert.Zero(t, peer.calls.Load())
}

func TestClearSession(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionAllowAlways)}
	b := NewBroker(peer, Options{})
	ctx := context.Background()

	b.Check(ctx, "s1", editReq("c1"))
	b.Check(ctx, "s10", editReq("c1"))
	b.ClearSession("s1")
	b.Check(ctx, "s1", editReq("c2"))
	b.Check(ctx, "s10", editReq("c2"))
	assert.EqualValues(t, 3, peer.calls.Load(), "s10 keeps its answer")
}

func TestOptionsFor(t *testing.T) {
	ids := func(opts []protocol.PermissionOption) []string {
		var out []string
		for _, o := range opts {
			out = append(out, o.OptionID)
		}
		return out
	}
	assert.Equal(t, []string{OptionAllowOnce, OptionRejectOnce}, ids(OptionsFor(protocol.ToolKindRead)))
	assert.Equal(t, []string{OptionAllowOnce, OptionAllowAlways, OptionRejectOnce}, ids(OptionsFor(protocol.ToolKindEdit)))
	assert.Equal(t, []string{OptionAllowOnce, OptionAllowAlways, OptionRejectOnce}, ids(OptionsFor(protocol.ToolKindExecute)))
	assert.Equal(t, "Always allow this command", OptionsFor(protocol.ToolKindExecute)[1].Name)
}

func TestRequestShape(t *testing.T) {
	peer := &scriptedPeer{answer: selected(OptionAllowOnce)}
	b := NewBroker(peer, Options{})
	req := editReq("c1")
	req.RawInput = map[string]any{"path": "a.go"}
	req.Locations = []protocol.ToolLocation{{Path: "/repo/a.go"}}
	b.Check(context.Background(), "s1", req)

	assert.Equal(t, "s1", peer.last.SessionID)
	assert.Equal(t, "c1", peer.last.ToolCall.ToolCallID)
	assert.Equal(t, protocol.ToolKindEdit, peer.last.ToolCall.Kind)
	assert.Equal(t, req.Locations, peer.last.ToolCall.Locations)
	assert.Len(t, peer.last.Options, 3)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("AUTO")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePrompt, m)
	_, err = ParseMode("yolo")
	assert.Error(t, err)
}
