// Package broadcast implements the fan-out of one upstream response
// (streaming or buffered) to one or more waiting clients.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// State is a Broadcaster's completion state.
type State int

const (
	Open State = iota
	ClosedOK
	ClosedError
)

// ErrCancelled is the terminal sentinel used when every subscriber has
// detached and the leader's upstream fetch is cancelled.
var ErrCancelled = errors.New("cancelled")

// Broadcaster fans out an ordered sequence of chunks to any number of
// subscribers. A late subscriber receives every already-produced chunk
// (the "prefix") followed by the live tail, as one atomic view: Subscribe
// takes the same lock Publish does, so a racing Subscribe observes each
// chunk either in its prefix or in the live tail — never a duplicate, never
// a gap.
//
// Once closed, a Broadcaster is immutable: Publish after Close is a no-op
// and every subscriber's final read observes the terminal state.
type Broadcaster struct {
	ID string

	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	state    State
	closeErr error

	subscriberCount int
}

// New creates an open Broadcaster.
func New() *Broadcaster {
	b := &Broadcaster{ID: uuid.NewString()}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends a chunk and wakes any subscriber blocked waiting for
// more data. A no-op once closed.
func (b *Broadcaster) Publish(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.cond.Broadcast()
}

// HasPublished reports whether at least one chunk has been published,
// i.e. whether bytes have already been committed to the wire — once true
// the dispatcher's failover logic must not try another candidate.
func (b *Broadcaster) HasPublished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks) > 0
}

// CloseOK marks the broadcaster successfully complete; idempotent.
func (b *Broadcaster) CloseOK() {
	b.close(ClosedOK, nil)
}

// CloseError closes the broadcaster with a terminal error, published to
// every subscriber as the end of their sequence; idempotent.
func (b *Broadcaster) CloseError(err error) {
	if err == nil {
		err = errors.New("unknown broadcaster error")
	}
	b.close(ClosedError, err)
}

func (b *Broadcaster) close(state State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return
	}
	b.state = state
	b.closeErr = err
	b.cond.Broadcast()
}

// Status returns the current completion state and, if ClosedError, the
// terminal error.
func (b *Broadcaster) Status() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.closeErr
}

// Subscription is a cursor into a Broadcaster's chunk sequence.
type Subscription struct {
	b   *Broadcaster
	idx int
}

// Subscribe attaches a new subscriber and returns its cursor, starting
// before any already-published chunk (so the first Next call returns the
// buffered prefix first, then the live tail).
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	b.subscriberCount++
	b.mu.Unlock()
	return &Subscription{b: b}
}

// Detach removes this subscriber from the broadcaster's live count. The
// dispatcher calls this on client disconnect; when the count reaches zero
// the leader's upstream fetch is cancelled.
func (s *Subscription) Detach() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.subscriberCount > 0 {
		s.b.subscriberCount--
	}
}

// SubscriberCount returns the number of attached (not yet detached)
// subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscriberCount
}

// Next blocks until either the next chunk is available, the broadcaster
// closes, or ctx is cancelled. ok is false once the sequence is
// exhausted; err is non-nil if the broadcaster closed with an error or ctx
// was cancelled first.
func (s *Subscription) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	b := s.b
	b.mu.Lock()
	for s.idx >= len(b.chunks) && b.state == Open {
		if ctx.Err() != nil {
			b.mu.Unlock()
			return nil, false, ctx.Err()
		}
		waitErr := waitWithContext(b.cond, ctx)
		if waitErr != nil {
			b.mu.Unlock()
			return nil, false, waitErr
		}
	}
	if s.idx < len(b.chunks) {
		chunk = b.chunks[s.idx]
		s.idx++
		b.mu.Unlock()
		return chunk, true, nil
	}
	// No more buffered chunks and the broadcaster is closed.
	closeErr := b.closeErr
	b.mu.Unlock()
	return nil, false, closeErr
}

// waitWithContext wakes cond.Wait() early if ctx is cancelled, by racing a
// goroutine that broadcasts on cancellation. cond.L must be held by the
// caller, matching sync.Cond.Wait's contract.
func waitWithContext(cond *sync.Cond, ctx context.Context) error {
	if ctx.Done() == nil {
		cond.Wait()
		return nil
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
		close(done)
	}()
	cond.Wait()
	close(stop)
	<-done
	return ctx.Err()
}
