package api

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TokenStore is the injected credential provider. It is initialized at app
// start and cleared on logout; nothing else reaches ambient storage.
type TokenStore interface {
	Get() string
	Set(token string) error
	Clear() error
}

// FileTokenStore persists the bearer token under the data directory in a
// file named "token".
type FileTokenStore struct {
	path string

	mu    sync.Mutex
	token string
}

// NewFileTokenStore creates a store backed by <dataDir>/token, loading any
// previously saved token.
func NewFileTokenStore(dataDir string) *FileTokenStore {
	s := &FileTokenStore{path: filepath.Join(dataDir, "token")}
	raw, err := os.ReadFile(s.path)
	if err == nil {
		s.token = strings.TrimSpace(string(raw))
	} else if !os.IsNotExist(err) {
		log.Warnf("Failed to read token file '%s': %v", s.path, err)
	}
	return s
}

func (s *FileTokenStore) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *FileTokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token), 0600)
}

func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryTokenStore keeps the token in memory only. Used in tests and demo
// mode.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *MemoryTokenStore) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *MemoryTokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}
