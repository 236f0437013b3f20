package flow

import (
	"context"
	"fmt"
	"sync"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/ardnew/softdma/pkg"
	"github.com/ardnew/softdma/ring"
)

// SubmitFunc publishes an admitted descriptor to the ring.
type SubmitFunc func(ring.Descriptor) error

// Controller tracks ring occupancy and defers submitters while the ring is
// full. Deferred submitters queue as [Waiter]s and are resumed in FIFO
// order as completions free slots; each resumed waiter holds a slot
// reservation until it retries or cancels.
type Controller struct {
	capacity int
	submit   SubmitFunc

	mu       sync.Mutex
	inFlight int
	reserved int
	waiters  []*Waiter
	closed   bool

	admitted metrics.Counter
	deferred metrics.Counter
	resumed  metrics.Counter
	canceled metrics.Counter
}

type waiterState int

const (
	stateWaiting waiterState = iota
	stateReserved
	stateConsumed
	stateCanceled
	stateFailed
)

// Waiter is a deferred submission.
type Waiter struct {
	c     *Controller
	ready chan struct{}
	state waiterState
	err   error
}

// New returns a controller for a ring of capacity slots. submit is called
// for every admitted descriptor, outside the controller lock.
func New(capacity int, submit SubmitFunc) (*Controller, error) {
	if capacity <= 0 || submit == nil {
		return nil, fmt.Errorf("flow controller capacity %d: %w", capacity, pkg.ErrInvalidParameter)
	}
	return &Controller{
		capacity: capacity,
		submit:   submit,
		admitted: metrics.NewCounter(),
		deferred: metrics.NewCounter(),
		resumed:  metrics.NewCounter(),
		canceled: metrics.NewCounter(),
	}, nil
}

// RegisterMetrics registers the controller counters in r under prefix.
func (c *Controller) RegisterMetrics(r metrics.Registry, prefix string) {
	r.Register(prefix+".admitted", c.admitted)
	r.Register(prefix+".deferred", c.deferred)
	r.Register(prefix+".resumed", c.resumed)
	r.Register(prefix+".canceled", c.canceled)
}

// TrySubmit submits d if a free, unreserved slot exists and nobody is
// queued ahead. Otherwise it queues a waiter and returns it together with
// [pkg.ErrRingFull]; the caller either waits on [Waiter.Ready] and calls
// [Controller.Retry], or cancels. It never blocks.
func (c *Controller) TrySubmit(d ring.Descriptor) (*Waiter, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("submit: flow controller closed: %w", pkg.ErrNotRunning)
	}
	if len(c.waiters) == 0 && c.inFlight+c.reserved < c.capacity {
		c.inFlight++
		c.mu.Unlock()
		c.admitted.Inc(1)
		return nil, c.publish(d)
	}

	w := &Waiter{c: c, ready: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	queued := len(c.waiters)
	c.mu.Unlock()

	c.deferred.Inc(1)
	pkg.LogDebug(pkg.ComponentFlow, "submission deferred", "queued", queued)
	return w, pkg.ErrRingFull
}

// Submit submits d, waiting for a slot if the ring is full. A context that
// ends while waiting yields [pkg.ErrDeviceNotResponding].
func (c *Controller) Submit(ctx context.Context, d ring.Descriptor) error {
	w, err := c.TrySubmit(d)
	if w == nil {
		return err
	}
	select {
	case <-w.Ready():
		return c.Retry(w, d)
	case <-ctx.Done():
		w.Cancel()
		return fmt.Errorf("wait for ring slot: %w: %w", pkg.ErrDeviceNotResponding, ctx.Err())
	}
}

// Retry submits d using the reservation held by a ready waiter.
func (c *Controller) Retry(w *Waiter, d ring.Descriptor) error {
	if w == nil || w.c != c {
		return fmt.Errorf("retry: foreign waiter: %w", pkg.ErrInvalidParameter)
	}
	c.mu.Lock()
	if c.closed && w.state == stateReserved {
		w.state = stateFailed
		w.err = fmt.Errorf("flow controller closed: %w", pkg.ErrNotRunning)
	}
	switch w.state {
	case stateReserved:
		w.state = stateConsumed
		c.reserved--
		c.inFlight++
		c.mu.Unlock()
		c.admitted.Inc(1)
		return c.publish(d)
	case stateWaiting:
		c.mu.Unlock()
		return fmt.Errorf("retry before ready: %w", pkg.ErrBusy)
	case stateFailed:
		err := w.err
		c.mu.Unlock()
		return err
	default:
		c.mu.Unlock()
		return fmt.Errorf("retry of finished waiter: %w", pkg.ErrInvalidParameter)
	}
}

// publish runs the submit callback for an admitted descriptor and returns
// the slot if it fails.
func (c *Controller) publish(d ring.Descriptor) error {
	err := c.submit(d)
	if err != nil {
		c.mu.Lock()
		c.inFlight--
		c.grantLocked()
		c.mu.Unlock()
	}
	return err
}

// Complete releases n slots after the device completed (or the driver
// aborted) n descriptors, and resumes queued waiters in FIFO order.
func (c *Controller) Complete(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.inFlight {
		err := fmt.Errorf("complete %d with %d in flight: %w", n, c.inFlight, pkg.ErrRingCorrupt)
		c.inFlight = 0
		c.grantLocked()
		return pkg.Violation(err)
	}
	c.inFlight -= n
	c.grantLocked()
	return nil
}

func (c *Controller) grantLocked() {
	for len(c.waiters) > 0 && c.inFlight+c.reserved < c.capacity {
		w := c.waiters[0]
		c.waiters[0] = nil
		c.waiters = c.waiters[1:]
		w.state = stateReserved
		c.reserved++
		close(w.ready)
		c.resumed.Inc(1)
	}
}

// Close fails every queued or reserved waiter with [pkg.ErrNotRunning] and
// refuses further submissions.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, w := range c.waiters {
		w.state = stateFailed
		w.err = fmt.Errorf("flow controller closed: %w", pkg.ErrNotRunning)
		close(w.ready)
	}
	c.waiters = nil
	c.reserved = 0
}

// Stats is a snapshot of controller state.
type Stats struct {
	Capacity int
	InFlight int
	Reserved int
	Waiting  int
	Admitted int64
	Deferred int64
	Resumed  int64
	Canceled int64
}

// Stats returns a snapshot of controller state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Capacity: c.capacity,
		InFlight: c.inFlight,
		Reserved: c.reserved,
		Waiting:  len(c.waiters),
	}
	c.mu.Unlock()
	s.Admitted = c.admitted.Count()
	s.Deferred = c.deferred.Count()
	s.Resumed = c.resumed.Count()
	s.Canceled = c.canceled.Count()
	return s
}

// Ready returns a channel that is closed once the waiter holds a slot
// reservation or the controller closed.
func (w *Waiter) Ready() <-chan struct{} {
	return w.ready
}

// Err returns the failure of a waiter whose controller closed.
func (w *Waiter) Err() error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.err
}

// Cancel withdraws the waiter. A reservation it held passes to the next
// waiter in line.
func (w *Waiter) Cancel() {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()

	switch w.state {
	case stateWaiting:
		for i, q := range c.waiters {
			if q == w {
				c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
				break
			}
		}
	case stateReserved:
		if !c.closed { // Close already dropped every reservation
			c.reserved--
			defer c.grantLocked()
		}
	default:
		return
	}
	w.state = stateCanceled
	c.canceled.Inc(1)
}
