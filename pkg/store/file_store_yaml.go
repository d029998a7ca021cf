package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const yamlStoreVersion = 1

type yamlDocument struct {
	Version int               `yaml:"version"`
	Entries map[string]string `yaml:"entries"`
}

// YAMLFileStore persists all keys as a single YAML document. The whole file is
// rewritten through a temp file and rename on every mutation.
type YAMLFileStore struct {
	mu     sync.Mutex
	path   string
	store  *InMemoryStore
	closed bool
}

func NewYAMLFileStore(path string) (*YAMLFileStore, error) {
	if path == "" {
		return nil, errors.New("yaml store path is required")
	}
	s := &YAMLFileStore{
		path:  path,
		store: NewInMemoryStore(),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *YAMLFileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}
	return s.store.Get(ctx, key)
}

func (s *YAMLFileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.store.Keys(ctx, prefix)
}

func (s *YAMLFileStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *YAMLFileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *YAMLFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.store.Close()
}

func (s *YAMLFileStore) loadFromDisk() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "could not read yaml store")
	}

	doc := yamlDocument{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return errors.Wrapf(err, "could not parse yaml store %s", s.path)
	}
	if doc.Version > yamlStoreVersion {
		return errors.Errorf("yaml store %s has unsupported version %d", s.path, doc.Version)
	}

	ctx := context.Background()
	for k, v := range doc.Entries {
		if err := s.store.Set(ctx, k, []byte(v)); err != nil {
			return err
		}
	}
	return nil
}

func (s *YAMLFileStore) persistLocked() error {
	doc := yamlDocument{Version: yamlStoreVersion, Entries: map[string]string{}}
	for k, v := range s.store.snapshot() {
		doc.Entries[k] = string(v)
	}
	b, err := yaml.Marshal(&doc)
	if err != nil {
		return errors.Wrap(err, "could not encode yaml store")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *YAMLFileStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

var _ Store = (*YAMLFileStore)(nil)
