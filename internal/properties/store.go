// Package properties is the key/value parameter collaborator the daemon
// reads switches, quotas and buffer sizes from.
package properties

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/valyala/fastjson"
)

// Reader looks up a property value.
type Reader interface {
	Get(key string) (string, bool)
}

// ReadWriter can also update values.
type ReadWriter interface {
	Reader
	Set(key, value string) error
}

// PersistPrefix marks keys that survive a daemon restart.
const PersistPrefix = "persist."

// Store keeps properties in memory. Keys with PersistPrefix are written to
// filePath on every change; other keys are transient.
type Store struct {
	filePath string
	mu       sync.RWMutex
	values   map[string]string
}

// NewStore creates a store backed by filePath. An empty path keeps
// everything in memory.
func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		values:   make(map[string]string),
	}
}

// NewMemory returns an in-memory store seeded with values.
func NewMemory(values map[string]string) *Store {
	s := NewStore("")
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Load reads persisted values from disk. A missing file is not an error.
func (s *Store) Load() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	obj, err := v.Object()
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	obj.Visit(func(key []byte, val *fastjson.Value) {
		switch val.Type() {
		case fastjson.TypeString:
			s.values[string(key)] = string(val.GetStringBytes())
		case fastjson.TypeTrue:
			s.values[string(key)] = "true"
		case fastjson.TypeFalse:
			s.values[string(key)] = "false"
		case fastjson.TypeNumber:
			s.values[string(key)] = val.String()
		}
	})
	return nil
}

// Get returns the value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value, persisting it when the key is a persist key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if s.filePath == "" || !strings.HasPrefix(key, PersistPrefix) {
		return nil
	}
	return s.saveLocked()
}

// saveLocked writes the persist keys atomically.
func (s *Store) saveLocked() error {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, PersistPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var a fastjson.Arena
	obj := a.NewObject()
	for _, k := range keys {
		obj.Set(k, a.NewString(s.values[k]))
	}
	data := obj.MarshalTo(nil)

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.filePath)
}
