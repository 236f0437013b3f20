//go:build linux

package sim

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/ardnew/softdma/pkg"
)

// maxEpollEvents bounds the events handled per wakeup.
const maxEpollEvents = 16

// =============================================================================
// Poller
// =============================================================================

// poller delivers interrupts. It waits on the eventfds of all vectors and,
// on the single poller goroutine, drains the signalled eventfd and raises
// the vector's line. That goroutine is the interrupt context.
type poller struct {
	epfd int
	wake eventfd.Eventfd

	mu      sync.Mutex
	vectors map[int]*vector // by eventfd

	t tomb.Tomb
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wake, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{
		epfd:    epfd,
		wake:    wake,
		vectors: make(map[int]*vector),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wake.FD()); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, err
	}
	p.t.Go(p.loop)
	return p, nil
}

func (p *poller) ctl(op, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl %d fd %d: %w", op, fd, err)
	}
	return nil
}

// add starts delivering v.
func (p *poller) add(v *vector) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ctl(unix.EPOLL_CTL_ADD, v.efd.FD()); err != nil {
		return err
	}
	p.vectors[v.efd.FD()] = v
	return nil
}

// remove stops delivering v.
func (p *poller) remove(v *vector) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vectors, v.efd.FD())
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, v.efd.FD(), nil)
}

func (p *poller) loop() error {
	var events [maxEpollEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := range n {
			fd := int(events[i].Fd)
			if fd == p.wake.FD() {
				p.wake.Read()
				select {
				case <-p.t.Dying():
					return nil
				default:
				}
				continue
			}

			p.mu.Lock()
			v, ok := p.vectors[fd]
			p.mu.Unlock()
			if !ok {
				continue
			}
			// Drain first: a signal after this point wakes us again.
			if _, err := v.efd.Read(); err != nil {
				continue
			}
			v.line.Raise()
		}
	}
}

// close stops the poller goroutine and releases its descriptors.
func (p *poller) close() error {
	p.t.Kill(nil)
	p.wake.Notify()
	err := p.t.Wait()

	p.wake.Close()
	unix.Close(p.epfd)

	if err != nil {
		pkg.LogError(pkg.ComponentBus, "interrupt poller failed", "error", err)
	}
	return err
}
