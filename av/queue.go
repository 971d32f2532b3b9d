package av

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueClosed = errors.New("media queue closed")

// OverflowPolicy decides what a bounded MediaQueue throws away when full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest droppable item, or the oldest item when
	// nothing queued is droppable.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the item being sent.
	DropNewest
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("invalid overflow policy %q", s)
}

func (p OverflowPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

// MediaQueue 는 이벤트 루프(생산자)와 외부 파이프라인(소비자) 사이의 미디어 채널이다.
// 생산자는 절대 블로킹되지 않는다. capacity 가 0 이면 무제한으로 쌓인다.
type MediaQueue struct {
	mu       sync.Mutex
	items    []Input
	head     int
	closed   bool
	capacity int
	policy   OverflowPolicy
	dropped  uint64
	notify   chan struct{} // 용량 1. 새 아이템이나 close 를 소비자에게 알린다.
}

func NewMediaQueue(capacity int, policy OverflowPolicy) *MediaQueue {
	if capacity < 0 {
		capacity = 0
	}
	return &MediaQueue{
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
	}
}

// Send enqueues in. It never blocks; with a bounded queue an item may be
// discarded according to the overflow policy.
func (q *MediaQueue) Send(in Input) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		if q.policy == DropNewest {
			q.dropped++
			q.mu.Unlock()
			return nil
		}
		q.evictLocked()
	}
	q.items = append(q.items, in)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MediaQueue) evictLocked() {
	victim := q.head
	for i := q.head; i < len(q.items); i++ {
		if m, ok := q.items[i].(Media); ok && m.CanBeDropped {
			victim = i
			break
		}
	}
	copy(q.items[victim:], q.items[victim+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	q.dropped++
}

func (q *MediaQueue) lenLocked() int {
	return len(q.items) - q.head
}

// TryRecv returns the next item without waiting. ok is false when the queue
// is empty; err is ErrQueueClosed once the queue is closed and drained.
func (q *MediaQueue) TryRecv() (in Input, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		if q.closed {
			return nil, false, ErrQueueClosed
		}
		return nil, false, nil
	}
	in = q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return in, true, nil
	}
	// 절반 이상 소비되면 앞쪽을 당겨서 메모리를 돌려준다.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return in, true, nil
}

// Recv waits for the next item, the queue being closed and drained, or ctx.
func (q *MediaQueue) Recv(ctx context.Context) (Input, error) {
	for {
		in, ok, err := q.TryRecv()
		if err != nil {
			return nil, err
		}
		if ok {
			return in, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the producer side finished. Items already queued can still be
// received.
func (q *MediaQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MediaQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped reports how many items the overflow policy discarded.
func (q *MediaQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
