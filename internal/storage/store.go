package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrNotFound is returned when a named dump doesn't exist in the store
var ErrNotFound = errors.New("dump not found")

// ErrInvalidName is returned for names that are empty or would escape the
// store (path separators, "." and "..")
var ErrInvalidName = errors.New("invalid dump name")

// Store is a flat set of named blobs: metadata dumps on the control plane,
// replica data on storage nodes.
// All implementations must be safe for concurrent access
type Store interface {
	// Get returns the dump stored under name
	// Returns ErrNotFound if it doesn't exist
	Get(name string) ([]byte, error)

	// Put stores a dump, replacing any previous one with the same name
	Put(name string, data []byte) error

	// Delete removes a dump
	// No error if it doesn't exist
	Delete(name string) error

	// List returns every stored name, sorted
	List() ([]string, error)

	// Stats returns storage statistics
	Stats() (StoreStats, error)
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Dumps int   `json:"dumps"` // Number of stored dumps
	Bytes int64 `json:"bytes"` // Total size of all dumps in bytes
}

// ValidName checks that a dump name is a single plain path element.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// MemoryStore implements Store in memory.
// Used in tests and when no dump directory is configured
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // name -> dump
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the stored dump
func (m *MemoryStore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return slices.Clone(value), nil
}

// Put stores a copy of data under name
func (m *MemoryStore) Put(name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[name] = stored
	return nil
}

// Delete removes a dump (idempotent)
func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, name)
	return nil
}

// List returns all names, sorted
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.data))
	for name := range m.data {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, value := range m.data {
		total += int64(len(value))
	}
	return StoreStats{Dumps: len(m.data), Bytes: total}, nil
}

// DirStore implements Store as one file per dump in a directory.
// Writes go to a temporary file first and are renamed into place, so a
// reader never sees a partially written dump
type DirStore struct {
	dir string
	mu  sync.Mutex // Serializes writers so temp names never collide
}

// NewDirStore creates the directory if needed and returns a store over it
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, errors.New("dump directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory backing the store
func (d *DirStore) Dir() string {
	return d.dir
}

// Get reads a dump file
func (d *DirStore) Get(name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// Put writes a dump file atomically
func (d *DirStore) Put(name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tmp := filepath.Join(d.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dump %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(d.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename dump %s: %w", name, err)
	}
	return nil
}

// Delete removes a dump file (idempotent)
func (d *DirStore) Delete(name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the names of all dump files, sorted. Temporary files are skipped
func (d *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Stats sums the sizes of all dump files
func (d *DirStore) Stats() (StoreStats, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return StoreStats{}, err
	}
	var st StoreStats
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return StoreStats{}, err
		}
		st.Dumps++
		st.Bytes += info.Size()
	}
	return st, nil
}
