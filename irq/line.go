package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdma/pkg"
)

// Result is the answer of an interrupt handler.
type Result int

// Handler results.
const (
	// NotMine means the device did not raise the interrupt. The handler
	// performed no register writes.
	NotMine Result = iota

	// Handled means the interrupt was acknowledged and work was deferred.
	Handled
)

// String returns a human-readable result.
func (r Result) String() string {
	switch r {
	case NotMine:
		return "NotMine"
	case Handled:
		return "Handled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Handler is a top-half interrupt handler. It runs in interrupt context: it
// must not block, allocate or log.
type Handler func() Result

// Token identifies an installed handler.
type Token uint64

type installed struct {
	token   Token
	name    string
	handler Handler
}

// Line is a possibly shared interrupt line. Every delivery calls each
// installed handler in installation order.
type Line struct {
	name string

	mu       sync.RWMutex // held for reading during delivery
	handlers []installed
	next     Token

	raised   atomic.Uint64
	handled  atomic.Uint64
	spurious atomic.Uint64
}

// NewLine returns an empty interrupt line.
func NewLine(name string) *Line {
	return &Line{name: name}
}

// Name returns the line name.
func (l *Line) Name() string {
	return l.name
}

// Install adds h to the line.
func (l *Line) Install(name string, h Handler) (Token, error) {
	if h == nil {
		return 0, fmt.Errorf("install %q on %s: nil handler: %w", name, l.name, pkg.ErrInvalidParameter)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	l.handlers = append(l.handlers, installed{token: l.next, name: name, handler: h})

	pkg.LogDebug(pkg.ComponentIRQ, "handler installed",
		"line", l.name,
		"handler", name,
		"shared", len(l.handlers) > 1)

	return l.next, nil
}

// Remove uninstalls the handler identified by tok. It waits for a delivery
// in progress to finish, so the handler is not running once Remove returns.
func (l *Line) Remove(tok Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, h := range l.handlers {
		if h.token == tok {
			l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
			pkg.LogDebug(pkg.ComponentIRQ, "handler removed",
				"line", l.name,
				"handler", h.name)
			return nil
		}
	}
	return fmt.Errorf("remove handler %d from %s: %w", tok, l.name, pkg.ErrInvalidParameter)
}

// Handlers returns the number of installed handlers.
func (l *Line) Handlers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

// Raise delivers one interrupt. It returns [Handled] if any handler claimed
// it; otherwise the interrupt is counted as spurious.
func (l *Line) Raise() Result {
	l.raised.Add(1)

	res := NotMine
	l.mu.RLock()
	for _, h := range l.handlers {
		if h.handler() == Handled {
			res = Handled
		}
	}
	l.mu.RUnlock()

	if res == Handled {
		l.handled.Add(1)
	} else {
		l.spurious.Add(1)
	}
	return res
}

// LineStats is a snapshot of line counters.
type LineStats struct {
	Raised   uint64
	Handled  uint64
	Spurious uint64
}

// Stats returns a snapshot of line counters.
func (l *Line) Stats() LineStats {
	return LineStats{
		Raised:   l.raised.Load(),
		Handled:  l.handled.Load(),
		Spurious: l.spurious.Load(),
	}
}
