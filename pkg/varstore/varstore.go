// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package varstore provides named variable stores. The UDP service publishes
// its configured endpoints to one so other tools can inspect them.
package varstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"fwnet.dev/fwnet/pkg/log"
)

// ErrNotFound is returned by Get for a variable that is not set.
var ErrNotFound = errors.New("variable not found")

// Store is a set of named variables.
type Store interface {
	// Set replaces the value of name.
	Set(name string, data []byte) error

	// Get returns the value of name, or ErrNotFound.
	Get(name string) ([]byte, error)

	// Delete removes name. Deleting a missing variable is not an error.
	Delete(name string) error

	// Names returns the names of all variables in sorted order.
	Names() ([]string, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid variable name %q", name)
	}
	return nil
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.Mutex
	vars map[string][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{vars: make(map[string][]byte)}
}

// Set implements Store.Set.
func (m *MemStore) Set(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = append([]byte(nil), data...)
	return nil
}

// Get implements Store.Get.
func (m *MemStore) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.vars[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.Delete.
func (m *MemStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vars, name)
	return nil
}

// Names implements Store.Names.
func (m *MemStore) Names() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.vars))
	for name := range m.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

const (
	lockFilename = ".lock"

	// DefaultLockTimeout bounds how long a FileStore operation waits for
	// another process holding the directory lock.
	DefaultLockTimeout = time.Second
)

// FileStore keeps one file per variable in a directory. Operations hold an
// advisory lock on the directory so several processes can share it.
type FileStore struct {
	dir         string
	lock        *flock.Flock
	lockTimeout time.Duration
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating variable directory %q: %w", dir, err)
	}
	return &FileStore{
		dir:         dir,
		lock:        flock.New(filepath.Join(dir, lockFilename)),
		lockTimeout: DefaultLockTimeout,
	}, nil
}

// Dir returns the store's directory.
func (f *FileStore) Dir() string {
	return f.dir
}

// withLock runs fn holding the directory lock, retrying the lock until the
// timeout expires.
func (f *FileStore) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.lockTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	op := func() error {
		ok, err := f.lock.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("%s is locked", f.dir)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("locking variable directory: %w", err)
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			log.Warningf("varstore: unlocking %q: %v", f.dir, err)
		}
	}()
	return fn()
}

// Set implements Store.Set. The file is replaced atomically.
func (f *FileStore) Set(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return f.withLock(func() error {
		tmp, err := os.CreateTemp(f.dir, "."+name+".*")
		if err != nil {
			return fmt.Errorf("creating temporary file for %q: %w", name, err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("writing %q: %w", name, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("writing %q: %w", name, err)
		}
		if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("replacing %q: %w", name, err)
		}
		return nil
	})
}

// Get implements Store.Get.
func (f *FileStore) Get(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var data []byte
	err := f.withLock(func() error {
		var err error
		data, err = os.ReadFile(filepath.Join(f.dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	})
	return data, err
}

// Delete implements Store.Delete.
func (f *FileStore) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	return f.withLock(func() error {
		err := os.Remove(filepath.Join(f.dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("deleting %q: %w", name, err)
		}
		return nil
	})
}

// Names implements Store.Names. Hidden files, including the lock, are not
// variables.
func (f *FileStore) Names() ([]string, error) {
	var names []string
	err := f.withLock(func() error {
		entries, err := os.ReadDir(f.dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				names = append(names, e.Name())
			}
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}
