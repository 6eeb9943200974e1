package rpc

import (
	"container/heap"
	"time"

	"github.com/mailru/easyjson"
)

// notification is one inbound event, either sitting in the FIFO main queue
// (runAt is zero) or the delayed retry queue (runAt set to a future
// instant). receivedAt anchors the retryTTL age check (spec section 3).
type notification struct {
	method    string
	sessionID string
	params    easyjson.RawMessage
	receivedAt time.Time
	runAt      time.Time
}

// retryQueue is a min-heap ordered by runAt, per DESIGN NOTES section 9:
// "The retry queue is a min-heap of (runAt, notification)."
type retryQueue struct {
	items retryHeap
}

func newRetryQueue() *retryQueue {
	return &retryQueue{}
}

func (q *retryQueue) push(n *notification) {
	heap.Push(&q.items, n)
}

// peekReady returns the head of the queue if its runAt has passed, popping
// it; otherwise it returns nil without mutating the queue.
func (q *retryQueue) peekReady(now time.Time) *notification {
	if len(q.items) == 0 {
		return nil
	}
	if q.items[0].runAt.After(now) {
		return nil
	}
	return heap.Pop(&q.items).(*notification)
}

func (q *retryQueue) len() int { return len(q.items) }

type retryHeap []*notification

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(*notification)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
