package device

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softdma/bus"
	"github.com/ardnew/softdma/pkg"
)

// Registry tracks attached devices by bus function ID. It allows one
// attach or detach in flight per ID.
type Registry struct {
	metrics metrics.Registry

	mu      sync.Mutex
	handles map[string]*Handle
	busy    map[string]bool
}

// NewRegistry returns an empty registry. When r is non-nil, devices
// attached without their own metrics registry get a child of r prefixed
// with "device.<id>.".
func NewRegistry(r metrics.Registry) *Registry {
	return &Registry{
		metrics: r,
		handles: make(map[string]*Handle),
		busy:    make(map[string]bool),
	}
}

// claim marks id busy. attach selects whether id must be free (attach) or
// attached (detach).
func (r *Registry) claim(id string, attach bool) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy[id] {
		return nil, fmt.Errorf("device %s: operation in progress: %w", id, pkg.ErrBusy)
	}
	h, ok := r.handles[id]
	switch {
	case attach && ok:
		return nil, fmt.Errorf("device %s: already attached: %w", id, pkg.ErrBusy)
	case !attach && !ok:
		return nil, fmt.Errorf("device %s: %w", id, pkg.ErrNotAttached)
	}
	r.busy[id] = true
	return h, nil
}

// Attach attaches fn and records the handle under fn.ID().
func (r *Registry) Attach(ctx context.Context, fn bus.Function, cfg Config) (*Handle, error) {
	id := fn.ID()
	if _, err := r.claim(id, true); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil && r.metrics != nil {
		cfg.Metrics = metrics.NewPrefixedChildRegistry(r.metrics, "device."+id+".")
	}

	h, err := Attach(ctx, fn, cfg)

	r.mu.Lock()
	delete(r.busy, id)
	if err == nil {
		r.handles[id] = h
	}
	r.mu.Unlock()
	return h, err
}

// Detach detaches the device with the given ID and forgets it, even when
// teardown reported errors.
func (r *Registry) Detach(ctx context.Context, id string) error {
	h, err := r.claim(id, false)
	if err != nil {
		return err
	}

	err = h.Detach(ctx)

	r.mu.Lock()
	delete(r.busy, id)
	delete(r.handles, id)
	r.mu.Unlock()
	return err
}

// Get returns the handle attached under id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// IDs returns the IDs of attached devices in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.handles))
}

// DetachAll detaches every device concurrently and returns the combined
// errors. A failed detach does not stop the others.
func (r *Registry) DetachAll(ctx context.Context) error {
	ids := r.IDs()
	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = r.Detach(ctx, id)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return multierr.Combine(errs...)
}
