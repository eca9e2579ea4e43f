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

package varstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	if _, err := s.Get("AABBCC"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get of a missing variable = %v, want ErrNotFound", err)
	}
	for _, kv := range []struct{ name, value string }{
		{"AABBCC", "one"},
		{"001122", "two"},
		{"AABBCC", "three"},
	} {
		if err := s.Set(kv.name, []byte(kv.value)); err != nil {
			t.Fatalf("Set(%q): %v", kv.name, err)
		}
	}
	got, err := s.Get("AABBCC")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "three" {
		t.Errorf("Get(AABBCC) = %q, want %q", got, "three")
	}
	names, err := s.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if diff := cmp.Diff([]string{"001122", "AABBCC"}, names); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
	if err := s.Delete("AABBCC"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("AABBCC"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Get("AABBCC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	for _, name := range []string{"", ".lock", "../x", "a/b"} {
		if err := s.Set(name, nil); err == nil {
			t.Errorf("Set(%q) succeeded", name)
		}
	}
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestMemStoreCopies(t *testing.T) {
	s := NewMemStore()
	data := []byte("abc")
	s.Set("X", data)
	data[0] = 'z'
	got, _ := s.Get("X")
	if string(got) != "abc" {
		t.Errorf("stored value aliased the caller's slice: %q", got)
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vars")
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	testStore(t, s)

	// Nothing but the variable and the lock is left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	if diff := cmp.Diff([]string{".lock", "001122"}, files); diff != "" {
		t.Errorf("directory contents mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.lockTimeout = 50 * time.Millisecond

	other := flock.New(filepath.Join(dir, lockFilename))
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := s.Set("X", []byte("1")); err == nil {
		t.Errorf("Set succeeded while another holder had the lock")
	}
	if err := other.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := s.Set("X", []byte("1")); err != nil {
		t.Errorf("Set after unlock: %v", err)
	}
}
