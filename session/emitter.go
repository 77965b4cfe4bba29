package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/protocol"
)

// Updates delivers session/update notifications to the client.
type Updates interface {
	SendUpdate(ctx context.Context, n protocol.SessionNotification) error
}

type UpdatesFunc func(ctx context.Context, n protocol.SessionNotification) error

func (f UpdatesFunc) SendUpdate(ctx context.Context, n protocol.SessionNotification) error {
	return f(ctx, n)
}

// emitter buffers a turn's text chunks and sends them coalesced, when the
// buffer fills, on every tick, before any other update and on Close. A full
// buffer blocks the producer until it has been sent; nothing is dropped.
type emitter struct {
	ctx       context.Context
	sessionID string
	out       Updates
	max       int

	// mu guards pending and serialises every send so updates keep their order.
	mu      sync.Mutex
	pending []string
	err     error

	stop chan struct{}
	wg   sync.WaitGroup
}

// newEmitter sends with ctx stripped of cancellation, so a cancelled turn
// still flushes what it produced.
func newEmitter(ctx context.Context, sessionID string, out Updates, max int, interval time.Duration) *emitter {
	if max <= 0 {
		max = 1
	}
	e := &emitter{
		ctx:       context.WithoutCancel(ctx),
		sessionID: sessionID,
		out:       out,
		max:       max,
		stop:      make(chan struct{}),
	}
	if interval > 0 {
		e.wg.Add(1)
		go e.tick(interval)
	}
	return e
}

func (e *emitter) tick(interval time.Duration) {
	defer e.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.Flush()
		case <-e.stop:
			return
		}
	}
}

// Text queues a message chunk.
func (e *emitter) Text(text string) error {
	if text == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, text)
	if len(e.pending) >= e.max {
		return e.flushLocked()
	}
	return e.err
}

// Send flushes queued text, then sends u.
func (e *emitter) Send(u protocol.SessionUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.sendLocked(u)
}

func (e *emitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

// Close stops the ticker and flushes the rest. It returns the first send
// error seen during the turn.
func (e *emitter) Close() error {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
	return e.err
}

func (e *emitter) flushLocked() error {
	if len(e.pending) == 0 {
		return e.err
	}
	text := strings.Join(e.pending, "")
	e.pending = e.pending[:0]
	return e.sendLocked(protocol.AgentMessageChunk(text))
}

func (e *emitter) sendLocked(u protocol.SessionUpdate) error {
	err := e.out.SendUpdate(e.ctx, protocol.SessionNotification{SessionID: e.sessionID, Update: u})
	if err != nil && e.err == nil {
		e.err = err
	}
	return err
}
