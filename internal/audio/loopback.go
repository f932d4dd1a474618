package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Air is an in-process shared medium. Whatever one attached endpoint plays is
// heard by every other endpoint, in the order it was played; an endpoint never
// hears itself.
type Air struct {
	frameSize int
	interval  time.Duration

	mu        sync.RWMutex
	endpoints map[uint32]*Endpoint
	nextID    uint32
}

// NewAir creates a medium delivering frames of frameSize samples. Idle reads
// return a silent frame after interval.
func NewAir(frameSize int, interval time.Duration) *Air {
	return &Air{
		frameSize: frameSize,
		interval:  interval,
		endpoints: make(map[uint32]*Endpoint),
	}
}

// Attach connects a new endpoint to the medium
func (a *Air) Attach() *Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	e := &Endpoint{
		air:    a,
		id:     a.nextID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	a.endpoints[e.id] = e
	return e
}

// Endpoints returns the number of attached endpoints
func (a *Air) Endpoints() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.endpoints)
}

func (a *Air) detach(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.endpoints, id)
}

func (a *Air) broadcast(from uint32, frames [][]int16) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for id, e := range a.endpoints {
		if id == from {
			continue
		}
		e.deliver(frames)
	}
}

// Endpoint is one device attached to an Air
type Endpoint struct {
	air *Air
	id  uint32

	mu       sync.Mutex
	queue    [][]int16
	closed   bool
	readErr  error
	playErr  error
	notify   chan struct{}
	done     chan struct{}
	closeOne sync.Once

	framesPlayed atomic.Uint64
	framesHeard  atomic.Uint64
}

// ID returns the endpoint's identifier within its Air
func (e *Endpoint) ID() uint32 {
	return e.id
}

func (e *Endpoint) deliver(frames [][]int16) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, frames...)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Play emits samples to every other endpoint
func (e *Endpoint) Play(ctx context.Context, samples []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := e.playErr; err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	frames := SplitFrames(samples, e.air.frameSize)
	e.framesPlayed.Add(uint64(len(frames)))
	e.air.broadcast(e.id, frames)
	return nil
}

// Read returns the next heard frame, or a silent frame once the capture
// interval passes with nothing heard.
func (e *Endpoint) Read(ctx context.Context) ([]int16, error) {
	timer := time.NewTimer(e.air.interval)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}
		if err := e.readErr; err != nil {
			e.readErr = nil
			e.mu.Unlock()
			return nil, err
		}
		if len(e.queue) > 0 {
			f := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.framesHeard.Add(1)
			return f, nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.done:
			return nil, ErrClosed
		case <-e.notify:
		case <-timer.C:
			return make([]int16, e.air.frameSize), nil
		}
	}
}

// FailNextRead makes the next Read return err, simulating a capture fault
func (e *Endpoint) FailNextRead(err error) {
	e.mu.Lock()
	e.readErr = err
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// FailPlays makes every Play return err until called with nil
func (e *Endpoint) FailPlays(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playErr = err
}

// Stats returns how many frames the endpoint played and heard
func (e *Endpoint) Stats() (played, heard uint64) {
	return e.framesPlayed.Load(), e.framesHeard.Load()
}

// Close detaches the endpoint; pending and future reads fail with ErrClosed
func (e *Endpoint) Close() error {
	e.closeOne.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
		e.air.detach(e.id)
	})
	return nil
}
