// Package router implements the direct-mode fan-out path: when a
// profile has no dispatcher (Dispatcher == profile.DispatcherNone),
// the host must itself pick which connected daemon gets each
// submitted task. Grounded on the teacher's
// task/dispatch_strategy.go, whose RoundRobinStrategy this package's
// default SelectionStrategy generalizes from a fixed capture-session
// slice to a live set of daemon connections that can grow and shrink.
package router

import (
	"fmt"
	"sync"

	"github.com/serialx/hashring"
)

// Target identifies one connected daemon a task can be routed to.
type Target struct {
	ID   uint64 // connection id, stable for the life of the connection
	Send func(taskID uint32, payload []byte) error
	// Exit, when set, writes the exit sentinel directly without
	// waiting for a reply. Send cannot be reused for this: a daemon
	// that receives the sentinel exits without answering it, so
	// routing it through Send's request/reply round trip would block
	// forever.
	Exit func() error
}

// SelectionStrategy picks one of the currently connected targets for
// a task. key is the caller-supplied correlation key (may be empty);
// strategies that don't use affinity ignore it.
type SelectionStrategy interface {
	Select(targets []Target, key string) (Target, error)
}

// ErrNoTargets is returned when a task must be routed but no daemon
// is currently connected.
var ErrNoTargets = fmt.Errorf("router: no daemons connected")

// RoundRobin cycles through connected targets in the order they were
// added to the Router, the direct-mode default per spec §4.5.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// Select implements SelectionStrategy.
func (r *RoundRobin) Select(targets []Target, _ string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := targets[r.next%len(targets)]
	r.next++
	return t, nil
}

// ConsistentHash routes same-key calls to the same daemon across
// calls as the connected set changes, built on
// github.com/serialx/hashring (a teacher dependency with no other
// home in this domain). Falls back to round-robin when key is empty.
type ConsistentHash struct {
	fallback RoundRobin
}

// Select implements SelectionStrategy.
func (c *ConsistentHash) Select(targets []Target, key string) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}
	if key == "" {
		return c.fallback.Select(targets, key)
	}

	nodes := make([]string, len(targets))
	byNode := make(map[string]Target, len(targets))
	for i, t := range targets {
		node := fmt.Sprintf("daemon-%d", t.ID)
		nodes[i] = node
		byNode[node] = t
	}

	ring := hashring.New(nodes)
	node, ok := ring.GetNode(key)
	if !ok {
		return c.fallback.Select(targets, key)
	}
	return byNode[node], nil
}

// Router fans submitted tasks out to connected daemons using a
// pluggable SelectionStrategy, serving profiles configured without a
// dispatcher.
type Router struct {
	strategy SelectionStrategy

	mu      sync.Mutex
	targets map[uint64]Target
	order   []uint64
}

// New creates a Router using strategy, or RoundRobin when strategy is
// nil.
func New(strategy SelectionStrategy) *Router {
	if strategy == nil {
		strategy = &RoundRobin{}
	}
	return &Router{strategy: strategy, targets: make(map[uint64]Target)}
}

// Add registers a newly connected daemon.
func (r *Router) Add(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.targets[t.ID] = t
}

// Remove drops a disconnected daemon.
func (r *Router) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Route selects a target and sends the task to it.
func (r *Router) Route(taskID uint32, payload []byte, key string) error {
	r.mu.Lock()
	snapshot := make([]Target, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.targets[id])
	}
	r.mu.Unlock()

	target, err := r.strategy.Select(snapshot, key)
	if err != nil {
		return err
	}
	return target.Send(taskID, payload)
}

// SignalExit writes the exit sentinel to every currently connected
// target, best-effort, the direct-mode leg of spec §4.1's
// reset(signal=true).
func (r *Router) SignalExit() {
	r.mu.Lock()
	snapshot := make([]Target, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.targets[id])
	}
	r.mu.Unlock()

	for _, t := range snapshot {
		if t.Exit != nil {
			_ = t.Exit()
		}
	}
}

// Count returns the number of currently connected targets.
func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}
