package kernel

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled firing: an event to dispatch once its time
// arrives. Entries with equal Time fire in insertion order (FIFO), per
// spec §4.1 "min-heap keyed by scheduled time; FIFO within equal time".
type timerEntry struct {
	Time  time.Time
	Event *Event
	seq   uint64
	index int
}

// timerQueue is a min-heap over timerEntry ordered by (Time, seq).
type timerQueue struct {
	entries []*timerEntry
	nextSeq uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

func (q *timerQueue) Len() int { return len(q.entries) }

func (q *timerQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.Time.Equal(b.Time) {
		return a.seq < b.seq
	}
	return a.Time.Before(b.Time)
}

func (q *timerQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *timerQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.entries = old[:n-1]
	return e
}

// Schedule inserts ev to fire at t and returns a handle that Cancel can
// use to remove it before it fires.
func (q *timerQueue) Schedule(t time.Time, ev *Event) *timerEntry {
	e := &timerEntry{Time: t, Event: ev, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(q, e)
	return e
}

// Cancel removes a previously scheduled entry, if it has not fired yet.
func (q *timerQueue) Cancel(e *timerEntry) {
	if e.index < 0 || e.index >= len(q.entries) || q.entries[e.index] != e {
		return
	}
	heap.Remove(q, e.index)
}

// Peek returns the earliest-scheduled entry without removing it.
func (q *timerQueue) Peek() (*timerEntry, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

// PopReady removes and returns every entry whose Time is <= now, in
// (Time, seq) order.
func (q *timerQueue) PopReady(now time.Time) []*timerEntry {
	var ready []*timerEntry
	for len(q.entries) > 0 && !q.entries[0].Time.After(now) {
		e := heap.Pop(q).(*timerEntry)
		ready = append(ready, e)
	}
	return ready
}
