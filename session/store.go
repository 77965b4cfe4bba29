package session

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/storage"
)

// Store keeps sessions as JSON files under <cwd>/.compell/sessions.
type Store struct {
	files storage.Storage
}

func NewStore(files storage.Storage) *Store {
	return &Store{files: files}
}

type savedSession struct {
	ID      string    `json:"id"`
	Cwd     string    `json:"cwd"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	History []Entry   `json:"history"`
}

func sessionDir(cwd string) string {
	return filepath.Join(cwd, ".compell", "sessions")
}

func (st *Store) path(id, cwd string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", errors.InvalidParams("invalid session id %q", id)
	}
	return filepath.Join(sessionDir(cwd), id+".json"), nil
}

// Save writes the session's current history.
func (st *Store) Save(ctx context.Context, s *Session) error {
	path, err := st.path(s.ID, s.Cwd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec := savedSession{
		ID:      s.ID,
		Cwd:     s.Cwd,
		Created: s.created,
		Updated: s.lastUsed,
		History: append([]Entry(nil), s.history...),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	if err := st.files.MkdirAll(ctx, filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "could not create session directory")
	}
	return st.files.WriteFile(ctx, path, data)
}

func (st *Store) load(ctx context.Context, id, cwd string) (*savedSession, error) {
	path, err := st.path(id, cwd)
	if err != nil {
		return nil, err
	}
	data, err := st.files.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.InvalidParams("session not found: %s", id).WithCause(ErrSessionNotFound)
		}
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}
	var rec savedSession
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	return &rec, nil
}
