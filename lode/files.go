package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kiln/iox"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape the store root.
var ErrInvalidKey = errors.New("invalid storage key")

// FileStore reads and writes whole files at slash-separated keys.
// The underlying Store is created lazily from the factory on first use.
// Safe for concurrent use.
type FileStore struct {
	factory lode.StoreFactory

	once     sync.Once
	store    lode.Store
	storeErr error
}

// NewFileStore creates a file store over factory.
func NewFileStore(factory lode.StoreFactory) *FileStore {
	return &FileStore{factory: factory}
}

// getOrCreateStore lazily initializes the Store from the factory.
func (s *FileStore) getOrCreateStore() (lode.Store, error) {
	s.once.Do(func() {
		s.store, s.storeErr = s.factory()
		if s.storeErr != nil {
			s.storeErr = WrapInitError(s.storeErr, "files")
		}
	})
	return s.store, s.storeErr
}

// Put writes data at key.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	store, err := s.getOrCreateStore()
	if err != nil {
		return err
	}
	return WrapWriteError(store.Put(ctx, key, bytes.NewReader(data)), key)
}

// Get reads the file at key. Missing keys return an error matching ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	if !ok {
		return nil, NewStorageError(ErrNotFound, "read", key, fmt.Errorf("key %s does not exist", key))
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	defer iox.DiscardClose(rc)

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	store, err := s.getOrCreateStore()
	if err != nil {
		return false, err
	}
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return false, WrapReadError(err, key)
	}
	return ok, nil
}

// List returns every key under prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, NewStorageError(classifyError(err), "list", prefix, err)
	}
	return keys, nil
}

// ValidateKey checks that key is a clean relative slash path.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	case strings.Contains(key, "\\"):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidKey, key)
	case path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../"):
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidKey, key)
	}
	return nil
}
