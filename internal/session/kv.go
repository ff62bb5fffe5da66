// Package session holds and persists the client-side flow session: a single
// serialized record in storage scoped to one browsing context, with
// synchronous current-value reads and an explicit change-notification
// subscription.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KV is the minimal key-value surface the session store persists through.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) ([]byte, bool, error)

	// Set stores the value under the key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
}

// MemoryKV is an in-memory KV for tests and ephemeral sessions.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

// Get returns the stored value and whether the key exists.
func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores the value under the key.
func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes the key.
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileKV is a KV backed by one file per key inside a directory. The directory
// is expected to be scoped to a single browsing context (one tab), so state
// survives a reload of that context but never leaks into another one.
type FileKV struct {
	mu  sync.Mutex
	dir string
}

// NewFileKV creates a file-backed KV rooted at dir, creating the directory
// if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		return nil, fmt.Errorf("session: storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create storage dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

// Get returns the stored value and whether the key exists.
func (f *FileKV) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: read %q: %w", key, err)
	}
	return data, true, nil
}

// Set stores the value under the key. The write goes through a temp file and
// rename so a crash mid-write cannot leave a torn record behind.
func (f *FileKV) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("session: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("session: commit %q: %w", key, err)
	}
	return nil
}

// Delete removes the key.
func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: delete %q: %w", key, err)
	}
	return nil
}

// path maps a key to a file name, replacing separators that would escape
// the storage directory.
func (f *FileKV) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(f.dir, safe)
}
