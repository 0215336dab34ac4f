package deploy

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Cherwayway/onediff/backends"
)

// GraphState is the lifecycle state of a compiled graph handle.
//
// Empty is the initial state. Building is transient and synchronous:
// compilation blocks the caller and cannot be cancelled. Built holds until
// invalidated. Invalidated transitions back to Empty on the next access,
// forcing a rebuild.
type GraphState int

const (
	StateEmpty GraphState = iota
	StateBuilding
	StateBuilt
	StateInvalidated
)

func (s GraphState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateInvalidated:
		return "invalidated"
	}
	return fmt.Sprintf("GraphState(%d)", int(s))
}

// BuilderFn compiles a graph on demand. It is invoked by GraphHandle.build
// on a cache miss, typically closing over a backend and a module.
type BuilderFn func() (backends.Graph, error)

// GraphHandle owns one backend-compiled graph and its lifecycle. Exactly one
// handle is live per wrapper at a time; replacing it tears down the previous
// graph's backend resources.
//
// Handles are not safe for concurrent use; see the package concurrency
// contract.
type GraphHandle struct {
	id    uuid.UUID
	state GraphState
	graph backends.Graph

	// filePath the graph was persisted to or loaded from, when any.
	filePath string

	// warmupPending marks that the handle was loaded from disk with warm-up
	// requested and the one-time throwaway execution hasn't happened yet.
	warmupPending bool

	// pins counts executions in flight plus cache pinning; a pinned handle
	// is never evicted.
	pins int

	// lastUse is a logical clock maintained by GraphCache for LRU ordering.
	lastUse uint64
}

// newGraphHandle in the Empty state.
func newGraphHandle() *GraphHandle {
	return &GraphHandle{id: uuid.New(), state: StateEmpty}
}

// ID of the handle, used in logs and cache bookkeeping.
func (h *GraphHandle) ID() string { return h.id.String() }

// State of the handle. Accessing the state of an Invalidated handle settles
// it back to Empty first, per the lifecycle contract.
func (h *GraphHandle) State() GraphState {
	h.settle()
	return h.state
}

// Graph returns the backend graph, or nil unless the handle is Built.
func (h *GraphHandle) Graph() backends.Graph {
	if h.state != StateBuilt {
		return nil
	}
	return h.graph
}

// FilePath the graph was last persisted to or loaded from.
func (h *GraphHandle) FilePath() string { return h.filePath }

// WarmupPending reports whether the one-time warm-up execution is due.
func (h *GraphHandle) WarmupPending() bool { return h.warmupPending }

func (h *GraphHandle) warmupDone() { h.warmupPending = false }

// settle performs the Invalidated -> Empty transition on access.
func (h *GraphHandle) settle() {
	if h.state == StateInvalidated {
		h.state = StateEmpty
		h.graph = nil
	}
}

// build drives Empty -> Building -> Built. A failed build reverts the handle
// to Empty and returns a CompilationFailureError; resources held before the
// attempt are untouched (an already-Built handle returns immediately).
func (h *GraphHandle) build(moduleName string, build BuilderFn) error {
	h.settle()
	switch h.state {
	case StateBuilt:
		return nil
	case StateBuilding:
		return errors.Errorf("graph handle %s: re-entrant build while already building", h.ID())
	}
	h.state = StateBuilding
	graph, err := build()
	if err != nil {
		h.state = StateEmpty
		h.graph = nil
		return &CompilationFailureError{Module: moduleName, Err: err}
	}
	h.graph = graph
	h.state = StateBuilt
	return nil
}

// adopt installs a graph loaded from disk, transitioning straight to Built.
func (h *GraphHandle) adopt(graph backends.Graph, path string, runWarmup bool) {
	h.settle()
	if h.state == StateBuilt && h.graph != nil && h.graph != graph {
		h.graph.Finalize()
	}
	h.graph = graph
	h.filePath = path
	h.warmupPending = runWarmup
	h.state = StateBuilt
}

// Invalidate tears down the backend graph's resources and marks the handle
// for rebuild on next access.
func (h *GraphHandle) Invalidate() {
	if h.graph != nil {
		h.graph.Finalize()
		h.graph = nil
	}
	h.warmupPending = false
	h.state = StateInvalidated
}

// acquire pins the handle for the duration of an execution.
func (h *GraphHandle) acquire() { h.pins++ }

func (h *GraphHandle) release() {
	if h.pins > 0 {
		h.pins--
	}
}

// InUse reports whether an execution is in flight or the handle is pinned.
func (h *GraphHandle) InUse() bool { return h.pins > 0 }
