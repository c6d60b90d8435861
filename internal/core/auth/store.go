package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSession is returned by a Store that has nothing saved for a phone.
var ErrNoSession = errors.New("auth: no stored session")

// Session is the persisted login state for one account.
type Session struct {
	Phone     string    `json:"phone"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"update_at"`
}

// Store persists sessions across restarts, keyed by phone number.
type Store interface {
	Load(ctx context.Context, phone string) (*Session, error)
	Save(ctx context.Context, s *Session) error
}

// FileStore keeps one auth-<phone>.json file per account under dir.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file used for phone.
func (f *FileStore) Path(phone string) string {
	return filepath.Join(f.dir, fmt.Sprintf("auth-%s.json", phone))
}

// Load reads the session for phone. A missing file yields ErrNoSession.
func (f *FileStore) Load(_ context.Context, phone string) (*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.Path(phone))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("auth: read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("auth: parse session file: %w", err)
	}
	return &s, nil
}

// Save writes the session atomically (temp file + rename).
func (f *FileStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("auth: session cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir != "" && f.dir != "." {
		if err := os.MkdirAll(f.dir, 0o700); err != nil {
			return fmt.Errorf("auth: create session dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal session: %w", err)
	}

	path := f.Path(s.Phone)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("auth: save session file: %w", err)
	}
	return nil
}

// MemoryStore keeps sessions in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(_ context.Context, phone string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[phone]
	if !ok {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Save stores a copy of s.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("auth: session cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Phone] = *s
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
