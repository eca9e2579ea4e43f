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

package stack

import (
	"fwnet.dev/fwnet/pkg/tcpip"
)

type tokenEntry[T comparable, V any] struct {
	token      T
	completion *Completion
	value      V
}

// TokenMap holds pending tokens in insertion order.
//
// A token may be present at most once, and no two tokens may share a
// completion.
type TokenMap[T comparable, V any] struct {
	entries []tokenEntry[T, V]
}

// Insert appends tok. It returns ErrAccessDenied if tok or c is already
// present.
func (m *TokenMap[T, V]) Insert(tok T, c *Completion, v V) tcpip.Error {
	for _, e := range m.entries {
		if e.token == tok || (c != nil && e.completion == c) {
			return &tcpip.ErrAccessDenied{}
		}
	}
	m.entries = append(m.entries, tokenEntry[T, V]{token: tok, completion: c, value: v})
	return nil
}

// Contains returns whether tok is present.
func (m *TokenMap[T, V]) Contains(tok T) bool {
	return m.index(tok) >= 0
}

// ContainsCompletion returns whether any token uses c.
func (m *TokenMap[T, V]) ContainsCompletion(c *Completion) bool {
	for _, e := range m.entries {
		if e.completion == c {
			return true
		}
	}
	return false
}

func (m *TokenMap[T, V]) index(tok T) int {
	for i, e := range m.entries {
		if e.token == tok {
			return i
		}
	}
	return -1
}

// Lookup returns the value stored for tok.
func (m *TokenMap[T, V]) Lookup(tok T) (V, bool) {
	if i := m.index(tok); i >= 0 {
		return m.entries[i].value, true
	}
	var zero V
	return zero, false
}

// Remove removes tok and returns its value.
func (m *TokenMap[T, V]) Remove(tok T) (V, bool) {
	i := m.index(tok)
	if i < 0 {
		var zero V
		return zero, false
	}
	v := m.entries[i].value
	m.removeAt(i)
	return v, true
}

func (m *TokenMap[T, V]) removeAt(i int) {
	copy(m.entries[i:], m.entries[i+1:])
	m.entries[len(m.entries)-1] = tokenEntry[T, V]{}
	m.entries = m.entries[:len(m.entries)-1]
}

// Front returns the oldest token.
func (m *TokenMap[T, V]) Front() (T, V, bool) {
	if len(m.entries) == 0 {
		var (
			tok T
			v   V
		)
		return tok, v, false
	}
	e := m.entries[0]
	return e.token, e.value, true
}

// PopFront removes and returns the oldest token.
func (m *TokenMap[T, V]) PopFront() (T, V, bool) {
	tok, v, ok := m.Front()
	if ok {
		m.removeAt(0)
	}
	return tok, v, ok
}

// Len returns the number of tokens.
func (m *TokenMap[T, V]) Len() int {
	return len(m.entries)
}

// Each calls fn for every token in order until fn returns false. fn must not
// modify the map.
func (m *TokenMap[T, V]) Each(fn func(T, V) bool) {
	for _, e := range m.entries {
		if !fn(e.token, e.value) {
			return
		}
	}
}

// RemoveAll removes every token in order, calling fn after each removal. fn
// may insert new tokens; they are removed too.
func (m *TokenMap[T, V]) RemoveAll(fn func(T, V)) {
	for {
		tok, v, ok := m.PopFront()
		if !ok {
			return
		}
		fn(tok, v)
	}
}
