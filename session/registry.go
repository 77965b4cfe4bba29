package session

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/tools"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type RegistryOptions struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MemoryLimitMB makes a sweep evict the least recently used half of the
	// idle sessions while the heap is over it.
	MemoryLimitMB int
	Session       Options
}

func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		MaxSessions:   10,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		MemoryLimitMB: 512,
		Session:       DefaultOptions(),
	}
}

// Registry owns the sessions of one connection.
type Registry struct {
	deps Deps
	opts RegistryOptions
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, opts RegistryOptions) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		log:      logging.Component("registry"),
		sessions: make(map[string]*Session),
	}
}

func newSessionID() string {
	return "sess_" + ulid.Make().String()
}

func checkCwd(cwd string) error {
	if cwd == "" || !filepath.IsAbs(cwd) {
		return errors.InvalidParams("cwd must be an absolute path: %q", cwd)
	}
	return nil
}

// New creates an empty session rooted at cwd.
func (r *Registry) New(cwd string, ts []tools.Tool) (*Session, error) {
	if err := checkCwd(cwd); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCapLocked(); err != nil {
		return nil, err
	}
	s := newSession(newSessionID(), filepath.Clean(cwd), r.deps, r.opts.Session, ts)
	r.sessions[s.ID] = s
	r.log.Info().Str("session", s.ID).Str("cwd", s.Cwd).Msg("session created")
	return s, nil
}

// Load returns the live session with id, or restores it from the store.
func (r *Registry) Load(ctx context.Context, id, cwd string, ts []tools.Tool) (*Session, error) {
	if err := checkCwd(cwd); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		s.SetTools(ts)
		return s, nil
	}
	r.mu.Unlock()

	if r.deps.Store == nil {
		return nil, errors.InvalidParams("session not found: %s", id).WithCause(ErrSessionNotFound)
	}
	saved, err := r.deps.Store.load(ctx, id, filepath.Clean(cwd))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if err := r.checkCapLocked(); err != nil {
		return nil, err
	}
	s := newSession(id, filepath.Clean(cwd), r.deps, r.opts.Session, ts)
	s.history = saved.History
	if !saved.Created.IsZero() {
		s.created = saved.Created
	}
	r.sessions[id] = s
	r.log.Info().Str("session", id).Int("entries", len(s.history)).Msg("session loaded")
	return s, nil
}

func (r *Registry) checkCapLocked() error {
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return errors.TooManyOpenResources("too many open sessions (max %d)", r.opts.MaxSessions)
	}
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.InvalidParams("unknown session: %s", id).WithCause(ErrSessionNotFound)
	}
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove disposes the session with id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.dispose()
	}
}

// Close disposes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.dispose()
	}
}

// Sweep evicts idle sessions and returns how many were removed. Sessions
// with a prompt in flight are never evicted.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		if !s.Busy() {
			idle = append(idle, s)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastUsed().Before(idle[j].LastUsed()) })

	evict := make(map[string]*Session)
	if overMemoryLimit(r.opts.MemoryLimitMB) {
		for _, s := range idle[:(len(idle)+1)/2] {
			evict[s.ID] = s
		}
	}
	if r.opts.IdleTimeout > 0 {
		for _, s := range idle {
			if now.Sub(s.LastUsed()) > r.opts.IdleTimeout {
				evict[s.ID] = s
			}
		}
	}
	for id := range evict {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var ids []string
	for id, s := range evict {
		s.dispose()
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		r.log.Info().Str("sessions", strings.Join(ids, ",")).Msg("evicted idle sessions")
	}
	return len(evict)
}

// Run sweeps periodically until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Sweep()
		case <-ctx.Done():
			r.Close()
			return
		}
	}
}
