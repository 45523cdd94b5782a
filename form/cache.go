// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// A transformKey describes an edit of a Form: the operation, its
// integer operands in varint encoding, and an optional comparable value.
type transformKey struct {
	op    string
	ints  string
	value interface{}
}

func makeKey(op string, value interface{}, ints ...int) transformKey {
	buf := make([]byte, 0, len(ints)+2)
	var tmp [binary.MaxVarintLen64]byte
	for _, x := range ints {
		n := binary.PutVarint(tmp[:], int64(x))
		buf = append(buf, tmp[:n]...)
	}
	return transformKey{op: op, ints: string(buf), value: value}
}

// maxSmallTransforms is the number of derived Forms a cache holds in a
// list before it switches to a map. Beyond maxTransforms derived Forms,
// further edits are not remembered and a repeated edit returns a new but
// structurally equal Form.
const (
	maxSmallTransforms = 8
	maxTransforms      = 256
)

// A State holds the mutable data attached to a Form: the Forms derived
// from it by editing, and whatever an executor records about it. A
// State is allocated by New and is collected with its Form.
type State struct {
	transforms transformCache

	// Invocations counts the invocations of the Form by an executor.
	Invocations int32

	// Compiled holds the executable code of the Form once an executor
	// has published it.
	Compiled atomic.Value
}

// State returns the mutable state of f.
func (f *Form) State() *State { return f.state }

// A transformCache holds the Forms derived from one Form by editing.
// Lookups read an immutable table without locking; insertions copy the
// table under mu and publish the copy.
type transformCache struct {
	mu    sync.Mutex
	table atomic.Value // *transformTable
}

type transformTable struct {
	list []transformEntry // used while m is nil
	m    map[transformKey]*Form
}

type transformEntry struct {
	key  transformKey
	form *Form
}

func (t *transformTable) get(key transformKey) *Form {
	if t == nil {
		return nil
	}
	if t.m != nil {
		return t.m[key]
	}
	for _, e := range t.list {
		if e.key == key {
			return e.form
		}
	}
	return nil
}

// cachedTransform returns the Form previously derived from f by the
// edit key, or nil.
func (f *Form) cachedTransform(key transformKey) *Form {
	t, _ := f.state.transforms.table.Load().(*transformTable)
	return t.get(key)
}

// putTransform records g as the Form derived from f by the edit key and
// returns the recorded Form, which is an earlier one if another
// goroutine recorded the same edit first.
func (f *Form) putTransform(key transformKey, g *Form) *Form {
	c := &f.state.transforms
	c.mu.Lock()
	defer c.mu.Unlock()
	old, _ := c.table.Load().(*transformTable)
	if prev := old.get(key); prev != nil {
		return prev
	}
	if old != nil && len(old.m) >= maxTransforms {
		return g
	}
	t := new(transformTable)
	switch {
	case old != nil && old.m != nil:
		t.m = make(map[transformKey]*Form, len(old.m)+1)
		for k, v := range old.m {
			t.m[k] = v
		}
		t.m[key] = g
	case old != nil && len(old.list) >= maxSmallTransforms:
		t.m = make(map[transformKey]*Form, len(old.list)+1)
		for _, e := range old.list {
			t.m[e.key] = e.form
		}
		t.m[key] = g
	default:
		if old != nil {
			t.list = append(t.list, old.list...)
		}
		t.list = append(t.list, transformEntry{key, g})
	}
	c.table.Store(t)
	return g
}

// numTransforms returns the number of Forms derived from f.
func (f *Form) numTransforms() int {
	t, _ := f.state.transforms.table.Load().(*transformTable)
	if t == nil {
		return 0
	}
	if t.m != nil {
		return len(t.m)
	}
	return len(t.list)
}
