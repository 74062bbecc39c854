// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"container/list"
	"iter"
	"sync"
)

// AppendableListWithRemoval is a thread-safe ordered collection supporting
// O(1) removal of a previously appended entry via a closure, used for the
// Agent's handler registries (incoming-publish handlers, disconnect
// handlers). Iteration order matches append order.
type AppendableListWithRemoval[T any] struct {
	mu sync.Mutex
	l  *list.List
}

func NewAppendableListWithRemoval[T any]() *AppendableListWithRemoval[T] {
	return &AppendableListWithRemoval[T]{l: list.New()}
}

// AppendEntry appends value and returns a function that removes it. The
// returned function is idempotent: calling it more than once, or after
// Iterator has already passed the entry, is safe.
func (a *AppendableListWithRemoval[T]) AppendEntry(value T) func() {
	a.mu.Lock()
	elem := a.l.PushBack(value)
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.l.Remove(elem)
		})
	}
}

// Iterator yields a point-in-time snapshot of the list's contents in append
// order, taken when Iterator is called. Entries removed after the snapshot
// is taken are still yielded.
func (a *AppendableListWithRemoval[T]) Iterator() iter.Seq[T] {
	a.mu.Lock()
	snapshot := make([]T, 0, a.l.Len())
	for e := a.l.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(T))
	}
	a.mu.Unlock()

	return func(yield func(T) bool) {
		for _, v := range snapshot {
			if !yield(v) {
				return
			}
		}
	}
}

// Len reports the current number of entries.
func (a *AppendableListWithRemoval[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.l.Len()
}
