package alert

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type item struct {
	alert *Alert
	seq   uint64
	index int
}

// alertHeap старший приоритет первым, внутри приоритета FIFO.
type alertHeap []*item

func (h alertHeap) Len() int { return len(h) }

func (h alertHeap) Less(i, j int) bool {
	if h[i].alert.Priority != h[j].alert.Priority {
		return h[i].alert.Priority > h[j].alert.Priority
	}
	return h[i].seq < h[j].seq
}

func (h alertHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alertHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue ограниченная очередь с приоритетами. Производитель ждет свободного места
// не дольше таймаута, затем вытесняет самый низкоприоритетный некритичный алерт.
type queue struct {
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	h      alertHeap
	seq    uint64
	space  chan struct{}
	closed bool
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity, space: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) pushLocked(a *Alert) {
	q.seq++
	heap.Push(&q.h, &item{alert: a, seq: q.seq})
	q.cond.Signal()
}

// push возвращает вытесненный алерт, если пришлось освободить место.
// ErrQueueFull означает, что отброшен сам входящий алерт.
func (q *queue) push(ctx context.Context, a *Alert, timeout time.Duration) (*Alert, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.h.Len() < q.capacity || a.Priority == PriorityCritical {
			q.pushLocked(a)
			q.mu.Unlock()
			return nil, nil
		}
		wait := q.space
		q.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		break
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.h.Len() < q.capacity {
		q.pushLocked(a)
		return nil, nil
	}

	victim := -1
	for i, it := range q.h {
		if it.alert.Priority == PriorityCritical {
			continue
		}
		if victim < 0 {
			victim = i
			continue
		}
		v := q.h[victim]
		// среди равных по приоритету вытесняется самый свежий
		if it.alert.Priority < v.alert.Priority || (it.alert.Priority == v.alert.Priority && it.seq > v.seq) {
			victim = i
		}
	}
	if victim < 0 || q.h[victim].alert.Priority >= a.Priority {
		return nil, ErrQueueFull
	}
	dropped := heap.Remove(&q.h, victim).(*item).alert
	q.pushLocked(a)
	return dropped, nil
}

// pop блокируется до появления алерта. После close отдает оставшиеся алерты, затем ok=false.
func (q *queue) pop() (*Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.h.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.h.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.h).(*item)
	close(q.space)
	q.space = make(chan struct{})
	return it.alert, true
}

// discard удаляет все ожидающие алерты и возвращает их.
func (q *queue) discard() []*Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Alert, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(&q.h).(*item).alert)
	}
	close(q.space)
	q.space = make(chan struct{})
	return out
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	close(q.space)
	q.space = make(chan struct{})
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
