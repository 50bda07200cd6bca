// File: pool/objpool.go
// Package pool implements slab allocation for bounded-lifetime records.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slab recycles records through a free list and tracks how many are
// outstanding. It is not internally synchronized: allocation and
// release always happen under the owning module's mutex.

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-homa/api"
)

// Slab is a free-list allocator for records of type T.
type Slab[T any] struct {
	free        []*T
	outstanding atomic.Int64
}

// NewSlab creates an empty slab.
func NewSlab[T any]() *Slab[T] {
	return &Slab[T]{}
}

// Get returns a recycled record or allocates a fresh one. Recycled
// records keep their previous contents; the caller resets them.
func (s *Slab[T]) Get() *T {
	s.outstanding.Add(1)
	if n := len(s.free); n > 0 {
		obj := s.free[n-1]
		s.free = s.free[:n-1]
		return obj
	}
	return new(T)
}

// Put returns a record for reuse.
func (s *Slab[T]) Put(obj *T) {
	s.outstanding.Add(-1)
	s.free = append(s.free, obj)
}

// Outstanding reports how many records are currently checked out.
func (s *Slab[T]) Outstanding() int64 {
	return s.outstanding.Load()
}

var _ api.ObjectPool[*int] = (*Slab[int])(nil)
