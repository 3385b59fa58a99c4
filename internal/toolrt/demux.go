package toolrt

import (
	"context"
	"errors"
	"sync"
)

var errTransportClosed = errors.New("tool runtime transport closed")

// demux routes responses read from one connection to the callers
// waiting on their request IDs. A demux is bound to a single connection
// or subprocess; once it fails every waiter is released with the same
// error and a reconnect gets a fresh demux.
type demux struct {
	mu      sync.Mutex
	waiters map[int64]chan *Response
	err     error
}

func newDemux() *demux {
	return &demux{waiters: make(map[int64]chan *Response)}
}

func (d *demux) wait(id int64) (<-chan *Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if _, dup := d.waiters[id]; dup {
		return nil, errors.New("duplicate request id in flight")
	}
	ch := make(chan *Response, 1)
	d.waiters[id] = ch
	return ch, nil
}

func (d *demux) forget(id int64) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

// deliver hands resp to its waiter. It reports false for responses
// nobody is waiting for.
func (d *demux) deliver(resp *Response) bool {
	d.mu.Lock()
	ch, ok := d.waiters[resp.ID]
	delete(d.waiters, resp.ID)
	d.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

func (d *demux) fail(err error) {
	if err == nil {
		err = errTransportClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return
	}
	d.err = err
	for id, ch := range d.waiters {
		close(ch)
		delete(d.waiters, id)
	}
}

func (d *demux) failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		return errTransportClosed
	}
	return d.err
}

func (d *demux) await(ctx context.Context, id int64, ch <-chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, d.failure()
		}
		return resp, nil
	case <-ctx.Done():
		d.forget(id)
		return nil, ctx.Err()
	}
}
