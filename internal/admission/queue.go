package admission

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Entry is a run waiting for a capacity slot.
type Entry struct {
	RunID      string
	EnqueuedAt time.Time
	Seq        uint64
}

// Queue is a FIFO of waiting runs with O(1) removal by run id.
type Queue struct {
	mu    sync.Mutex
	items *list.List
	index map[string]*list.Element
	seq   uint64
	now   func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		items: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

func (q *Queue) Enqueue(runID string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[runID]; exists {
		return Entry{}, fmt.Errorf("run %s already queued", runID)
	}
	q.seq++
	entry := Entry{RunID: runID, EnqueuedAt: q.now().UTC(), Seq: q.seq}
	q.index[runID] = q.items.PushBack(entry)
	return entry, nil
}

// Dequeue pops the oldest entry.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return Entry{}, false
	}
	entry := q.items.Remove(front).(Entry)
	delete(q.index, entry.RunID)
	return entry, true
}

// Remove drops a waiting run. It returns false when the run is not queued,
// typically because it was dequeued for admission already.
func (q *Queue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.index[runID]
	if !ok {
		return false
	}
	q.items.Remove(elem)
	delete(q.index, runID)
	return true
}

// Position returns the zero-based place of a run in line.
func (q *Queue) Position(runID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[runID]; !ok {
		return 0, false
	}
	pos := 0
	for e := q.items.Front(); e != nil; e = e.Next() {
		if e.Value.(Entry).RunID == runID {
			return pos, true
		}
		pos++
	}
	return 0, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain empties the queue and returns the removed entries in order.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Entry))
	}
	q.items.Init()
	q.index = make(map[string]*list.Element)
	return out
}
