package acp

import (
	"context"
	"sync"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/permission"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/resolver"
	"github.com/m4xw311/acpbridge/session"
	"github.com/m4xw311/acpbridge/storage"
)

// Peer is the editor end of the connection as seen by the agent.
type Peer interface {
	SendRequest(ctx context.Context, method string, params, result any) error
	SendNotification(ctx context.Context, method string, params any) error
}

// clientCaps holds what the editor advertised in initialize.
type clientCaps struct {
	mu   sync.RWMutex
	caps protocol.ClientCapabilities
}

func (c *clientCaps) set(caps protocol.ClientCapabilities) {
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}

func (c *clientCaps) get() protocol.ClientCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// PeerStorage reads and writes text files through the editor when it
// offers fs/read_text_file and fs/write_text_file, so unsaved buffers are
// seen and edits land in them. Everything else goes to the embedded local
// storage.
type PeerStorage struct {
	storage.Storage
	peer      Peer
	sessionID string
	caps      *clientCaps
	// retry governs editor reads; the zero policy makes one attempt.
	retry errors.RetryPolicy
}

// Remote reports whether reads currently go to the editor.
func (p *PeerStorage) Remote() bool {
	return p.caps.get().Fs.ReadTextFile
}

func (p *PeerStorage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !p.Remote() {
		return p.Storage.ReadFile(ctx, path)
	}
	var resp protocol.ReadTextFileResponse
	req := protocol.ReadTextFileRequest{SessionID: p.sessionID, Path: path}
	err := p.retry.Execute(ctx, func(ctx context.Context) error {
		return p.peer.SendRequest(ctx, protocol.MethodFsReadTextFile, req, &resp)
	})
	if err != nil {
		return nil, peerFsError(err, path)
	}
	return []byte(resp.Content), nil
}

func (p *PeerStorage) WriteFile(ctx context.Context, path string, data []byte) error {
	if !p.caps.get().Fs.WriteTextFile {
		return p.Storage.WriteFile(ctx, path, data)
	}
	req := protocol.WriteTextFileRequest{SessionID: p.sessionID, Path: path, Content: string(data)}
	if err := p.peer.SendRequest(ctx, protocol.MethodFsWriteTextFile, req, nil); err != nil {
		return peerFsError(err, path)
	}
	return nil
}

func peerFsError(err error, path string) error {
	rec := errors.Classify(err)
	if rec.Kind == errors.KindInternal {
		return errors.Internal("editor failed on %s: %s", path, rec.Message).WithCause(err)
	}
	return rec
}

// requester asks the editor for permission.
type requester struct{ peer Peer }

func (r requester) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	var resp protocol.RequestPermissionResponse
	err := r.peer.SendRequest(ctx, protocol.MethodRequestPermission, req, &resp)
	return resp, err
}

var (
	_ permission.Requester = requester{}
	_ resolver.Reader      = (*PeerStorage)(nil)
)

// updates forwards session updates as notifications.
type updates struct{ peer Peer }

func (u updates) SendUpdate(ctx context.Context, n protocol.SessionNotification) error {
	return u.peer.SendNotification(ctx, protocol.MethodSessionUpdate, n)
}

var _ session.Updates = updates{}
