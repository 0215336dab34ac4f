package deploy

import (
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Cherwayway/onediff/backends"
)

// GraphCache stores one compiled graph handle per distinct ModuleIdentity,
// with least-recently-used eviction and disk persistence.
//
// The cache may be shared across wrapper instances; a mutex serializes
// mutation against lookups so a handle is never returned mid-eviction.
// Handles with executions in flight are pinned and never evicted.
type GraphCache struct {
	mu      sync.Mutex
	maxSize int
	clock   uint64
	entries map[ModuleIdentity]*GraphHandle
}

// NewGraphCache bounded to maxSize entries. maxSize <= 0 means unbounded.
func NewGraphCache(maxSize int) *GraphCache {
	return &GraphCache{
		maxSize: maxSize,
		entries: make(map[ModuleIdentity]*GraphHandle),
	}
}

// GetOrBuild returns the cached handle for the identity, building it with
// build on the first request. Repeat requests with the same identity return
// the same handle without rebuilding; a failed build leaves no entry behind.
func (c *GraphCache) GetOrBuild(identity ModuleIdentity, build BuilderFn) (*GraphHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	if handle, found := c.entries[identity]; found {
		handle.settle()
		if handle.state == StateBuilt {
			handle.lastUse = c.clock
			return handle, nil
		}
		// Invalidated entry: rebuild in place below.
	}

	handle := newGraphHandle()
	if err := handle.build(identity.String(), build); err != nil {
		return nil, err
	}
	handle.lastUse = c.clock
	c.entries[identity] = handle
	c.evictLocked()
	return handle, nil
}

// Get returns the handle for the identity if present and Built.
func (c *GraphCache) Get(identity ModuleIdentity) (*GraphHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, found := c.entries[identity]
	if !found || handle.State() != StateBuilt {
		return nil, false
	}
	c.clock++
	handle.lastUse = c.clock
	return handle, true
}

// Install stores a handle (typically loaded from disk) under the identity,
// invalidating any previous entry for it.
func (c *GraphCache) Install(identity ModuleIdentity, handle *GraphHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, found := c.entries[identity]; found && previous != handle {
		previous.Invalidate()
	}
	c.clock++
	handle.lastUse = c.clock
	c.entries[identity] = handle
	c.evictLocked()
}

// Drop removes and invalidates the entry for the identity, if any.
func (c *GraphCache) Drop(identity ModuleIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handle, found := c.entries[identity]; found {
		handle.Invalidate()
		delete(c.entries, identity)
	}
}

// Len is the number of cached handles.
func (c *GraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops least-recently-used entries beyond maxSize. In-use
// handles are skipped: eviction must never drop the entry currently being
// executed, even if that temporarily leaves the cache over its bound.
func (c *GraphCache) evictLocked() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.entries) > c.maxSize {
		var victimID ModuleIdentity
		var victim *GraphHandle
		for id, handle := range c.entries {
			if handle.InUse() {
				continue
			}
			if victim == nil || handle.lastUse < victim.lastUse {
				victimID, victim = id, handle
			}
		}
		if victim == nil {
			klog.Warningf("graph cache over bound (%d > %d) but every handle is in use, skipping eviction",
				len(c.entries), c.maxSize)
			return
		}
		klog.V(1).Infof("graph cache: evicting %s (handle %s)", victimID, victim.ID())
		victim.Invalidate()
		delete(c.entries, victimID)
	}
}

// Save persists a Built handle's graph to path and records the path on the
// handle.
func (c *GraphCache) Save(handle *GraphHandle, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	graph := handle.Graph()
	if graph == nil {
		return errors.Errorf("cannot save graph handle %s: no built graph (state %s)", handle.ID(), handle.State())
	}
	if err := graph.Save(path); err != nil {
		return errors.WithMessagef(err, "saving compiled graph %s", handle.ID())
	}
	handle.filePath = path
	klog.Infof("saved compiled graph %s to %q (%s)", handle.ID(), path, humanize.Bytes(fileSize(path)))
	return nil
}

// Load restores a handle from a persisted graph file. The device recorded in
// the file must match the requested device, else Load fails with a
// DeviceMismatchError and nothing is loaded. The device is required: callers
// that don't care must still say which device they are on. runWarmup marks
// the handle for a one-time warm-up execution on its first use.
func (c *GraphCache) Load(backend backends.Backend, path string, device backends.Device, runWarmup bool) (*GraphHandle, error) {
	if device == "" {
		return nil, errors.Errorf("loading compiled graph from %q: a device to validate against is required", path)
	}
	graph, err := backend.Load(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading compiled graph from %q", path)
	}
	if !graph.Device().Equal(device) {
		current := graph.Device()
		graph.Finalize()
		return nil, &DeviceMismatchError{Current: current, Requested: device}
	}
	handle := newGraphHandle()
	handle.adopt(graph, path, runWarmup)
	klog.V(1).Infof("loaded compiled graph %s from %q (device %s, warmup=%v)",
		handle.ID(), path, graph.Device(), runWarmup)
	return handle, nil
}

func fileSize(path string) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

// Finalize invalidates every cached handle and empties the cache.
func (c *GraphCache) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, handle := range c.entries {
		handle.Invalidate()
		delete(c.entries, id)
	}
}
