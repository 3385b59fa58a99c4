package agent

import (
	"context"
	"sync"
)

// SessionQueue runs work for one key strictly in arrival order while
// different keys proceed concurrently. Arrival order is the order of
// Acquire calls.
type SessionQueue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail    chan struct{} // closed when the newest holder releases
	holders int
}

// NewSessionQueue creates an empty queue.
func NewSessionQueue() *SessionQueue {
	return &SessionQueue{lanes: make(map[string]*lane)}
}

// Acquire waits for every earlier Acquire on key to release, then
// returns the release function for this turn. If ctx ends first the
// turn is abandoned; later callers are not blocked by it.
func (q *SessionQueue) Acquire(ctx context.Context, key string) (release func(), err error) {
	q.mu.Lock()
	l := q.lanes[key]
	if l == nil {
		l = &lane{}
		q.lanes[key] = l
	}
	prev := l.tail
	mine := make(chan struct{})
	l.tail = mine
	l.holders++
	q.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(mine)
			q.mu.Lock()
			l.holders--
			if l.holders == 0 {
				delete(q.lanes, key)
			}
			q.mu.Unlock()
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Hand the turn on once our predecessor finishes.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Active returns the number of keys with queued or running work.
func (q *SessionQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
