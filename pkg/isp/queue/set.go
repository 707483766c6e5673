/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue provides the request arena and the four ownership-disjoint lists a request moves through.
//
// Every request object is allocated once, when the `Set` is built, and always belongs to exactly one of the lists
// `Pending`, `Wait`, `Active` and `Free`. Lists are intrusive: a request carries its own prev/next slot indices, so
// moving between lists is an index update. `Move` and `MoveToFront` are the only ways ownership changes.
//
// # Concurrency
//
// A `Set` is not goroutine-safe. Its owner serializes access (the context's event lock).
package queue

import (
	"errors"
	"fmt"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// List names one of the four queues.
type List int

const (
	Pending List = iota
	Wait
	Active
	Free
	numLists
)

func (l List) String() string {
	switch l {
	case Pending:
		return "pending"
	case Wait:
		return "wait"
	case Active:
		return "active"
	case Free:
		return "free"
	default:
		return "unknown"
	}
}

const nilSlot int32 = -1

// ErrPoolExhausted indicates every request object is in use.
var ErrPoolExhausted = errors.New("request pool exhausted")

// ErrDuplicateRequest indicates a request with the same id is already queued.
var ErrDuplicateRequest = errors.New("duplicate request id")

type listHead struct {
	head, tail int32
	len        int
}

// Set is the request arena plus its four intrusive lists.
type Set struct {
	reqs  []*Request
	lists [numLists]listHead
}

// NewSet builds an arena holding capacity request objects, all on the free list.
func NewSet(capacity int) *Set {
	s := &Set{reqs: make([]*Request, capacity)}
	for l := range s.lists {
		s.lists[l] = listHead{head: nilSlot, tail: nilSlot}
	}
	for i := range s.reqs {
		r := &Request{slot: int32(i), gen: 1, prev: nilSlot, next: nilSlot}
		s.reqs[i] = r
		r.list = Free
		s.linkTail(Free, r)
	}
	return s
}

// Cap returns the number of request objects in the arena.
func (s *Set) Cap() int {
	return len(s.reqs)
}

// Len returns the number of requests on a list.
func (s *Set) Len(l List) int {
	return s.lists[l].len
}

// Empty reports whether a list holds no requests.
func (s *Set) Empty(l List) bool {
	return s.lists[l].len == 0
}

// Head returns the first request of a list, or nil.
func (s *Set) Head(l List) *Request {
	return s.at(s.lists[l].head)
}

// Tail returns the last request of a list, or nil.
func (s *Set) Tail(l List) *Request {
	return s.at(s.lists[l].tail)
}

// Next returns the request after r on its list, or nil.
func (s *Set) Next(r *Request) *Request {
	return s.at(r.next)
}

// Prev returns the request before r on its list, or nil.
func (s *Set) Prev(r *Request) *Request {
	return s.at(r.prev)
}

func (s *Set) at(slot int32) *Request {
	if slot == nilSlot {
		return nil
	}
	return s.reqs[slot]
}

// Items returns a snapshot of a list in order. The slice may be mutated freely, and the requests may be moved while
// iterating it.
func (s *Set) Items(l List) []*Request {
	out := make([]*Request, 0, s.lists[l].len)
	for r := s.Head(l); r != nil; r = s.Next(r) {
		out = append(out, r)
	}
	return out
}

// IDs returns the request ids of a list in order.
func (s *Set) IDs(l List) []types.RequestID {
	out := make([]types.RequestID, 0, s.lists[l].len)
	for r := s.Head(l); r != nil; r = s.Next(r) {
		out = append(out, r.ID)
	}
	return out
}

// Find returns the first request with the given id on a list.
func (s *Set) Find(l List, id types.RequestID) *Request {
	for r := s.Head(l); r != nil; r = s.Next(r) {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Allocate returns a clean request from the free list. The request stays on the free list until it is enqueued.
func (s *Set) Allocate() (*Request, error) {
	r := s.Head(Free)
	if r == nil {
		return nil, ErrPoolExhausted
	}
	return r, nil
}

// Move detaches r from its current list and appends it to the tail of to.
func (s *Set) Move(r *Request, to List) {
	s.unlink(r)
	s.placeTail(r, to)
}

// MoveToFront detaches r from its current list and pushes it at the head of to.
func (s *Set) MoveToFront(r *Request, to List) {
	s.unlink(r)
	s.placeHead(r, to)
}

// Release moves r to the free list and clears it. Its generation changes.
func (s *Set) Release(r *Request) {
	s.unlink(r)
	r.reset()
	r.gen++
	s.placeTail(r, Free)
}

// EnqueueOrdered inserts a freshly allocated request into pending, preserving ascending id order.
func (s *Set) EnqueueOrdered(r *Request) error {
	if r.list != Free {
		return fmt.Errorf("request %d is already on the %s list", r.ID, r.list)
	}
	for _, l := range []List{Pending, Wait, Active} {
		if s.Find(l, r.ID) != nil {
			return fmt.Errorf("%w: request %d already on the %s list", ErrDuplicateRequest, r.ID, l)
		}
	}
	// Walk back from the tail to the last request with a lower id.
	after := s.Tail(Pending)
	for after != nil && after.ID > r.ID {
		after = s.Prev(after)
	}
	s.unlink(r)
	if after == nil {
		s.placeHead(r, Pending)
		return nil
	}
	s.placeAfter(r, after)
	return nil
}

// EnqueueInit adds an INIT request to pending. If an INIT request without fences already heads pending, r is merged
// into it (entries appended, fences and id taken from r) and released; merged reports that case.
func (s *Set) EnqueueInit(r *Request, maxEntries int) (merged bool, err error) {
	if r.list != Free {
		return false, fmt.Errorf("request %d is already on the %s list", r.ID, r.list)
	}
	old := s.Head(Pending)
	if old == nil {
		s.Move(r, Pending)
		return false, nil
	}
	if old.Kind != types.PacketInit {
		return false, fmt.Errorf("%w: pending head is request %d", types.ErrUpdateBeforeInit, old.ID)
	}
	if len(old.Entries)+len(r.Entries) >= maxEntries {
		return false, fmt.Errorf("%w: %d + %d entries, max %d", types.ErrInitMergeCapacity,
			len(old.Entries), len(r.Entries), maxEntries)
	}
	if len(old.Out) != 0 || len(old.In) != 0 {
		return false, fmt.Errorf("%w: request %d has %d out and %d in fences", types.ErrInitMergeFenced,
			old.ID, len(old.Out), len(old.In))
	}
	old.Entries = append(old.Entries, r.Entries...)
	old.Out = append(old.Out[:0], r.Out...)
	old.In = append(old.In[:0], r.In...)
	old.ID = r.ID
	s.Release(r)
	return true, nil
}

// CheckInvariants verifies that every request is on exactly one list and that list links are consistent.
func (s *Set) CheckInvariants() error {
	seen := make([]bool, len(s.reqs))
	total := 0
	for l := List(0); l < numLists; l++ {
		n := 0
		var prev int32 = nilSlot
		for slot := s.lists[l].head; slot != nilSlot; slot = s.reqs[slot].next {
			r := s.reqs[slot]
			if seen[slot] {
				return fmt.Errorf("request slot %d appears on more than one list", slot)
			}
			seen[slot] = true
			if r.list != l {
				return fmt.Errorf("request slot %d is linked on %s but tagged %s", slot, l, r.list)
			}
			if r.prev != prev {
				return fmt.Errorf("request slot %d on %s has a broken prev link", slot, l)
			}
			prev = slot
			n++
		}
		if s.lists[l].tail != prev {
			return fmt.Errorf("%s list tail is inconsistent", l)
		}
		if n != s.lists[l].len {
			return fmt.Errorf("%s list length is %d, counted %d", l, s.lists[l].len, n)
		}
		total += n
	}
	if total != len(s.reqs) {
		return fmt.Errorf("%d of %d requests are on no list", len(s.reqs)-total, len(s.reqs))
	}
	return nil
}

// --- Intrusive list primitives ---

func (s *Set) unlink(r *Request) {
	h := &s.lists[r.list]
	if r.prev != nilSlot {
		s.reqs[r.prev].next = r.next
	} else {
		h.head = r.next
	}
	if r.next != nilSlot {
		s.reqs[r.next].prev = r.prev
	} else {
		h.tail = r.prev
	}
	r.prev, r.next = nilSlot, nilSlot
	h.len--
}

func (s *Set) linkTail(l List, r *Request) {
	h := &s.lists[l]
	r.prev = h.tail
	r.next = nilSlot
	if h.tail != nilSlot {
		s.reqs[h.tail].next = r.slot
	} else {
		h.head = r.slot
	}
	h.tail = r.slot
	h.len++
}

func (s *Set) placeTail(r *Request, l List) {
	r.list = l
	s.linkTail(l, r)
}

func (s *Set) placeHead(r *Request, l List) {
	h := &s.lists[l]
	r.list = l
	r.prev = nilSlot
	r.next = h.head
	if h.head != nilSlot {
		s.reqs[h.head].prev = r.slot
	} else {
		h.tail = r.slot
	}
	h.head = r.slot
	h.len++
}

func (s *Set) placeAfter(r, after *Request) {
	h := &s.lists[after.list]
	r.list = after.list
	r.prev = after.slot
	r.next = after.next
	if after.next != nilSlot {
		s.reqs[after.next].prev = r.slot
	} else {
		h.tail = r.slot
	}
	after.next = r.slot
	h.len++
}
