// Package nodepool tracks simulation-node capacity and liveness and selects
// a node for each new simulation.
package nodepool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
	"github.com/signalsfoundry/simorchestrator/timectrl"
)

var (
	// ErrNoCapacity is returned by Select when no live node has a free slot.
	ErrNoCapacity = errors.New("no live simulation node with free capacity")
	// ErrNodeNotFound is returned for unknown or already removed nodes.
	ErrNodeNotFound = errors.New("simulation node not found")
	// ErrNodeExists is returned when registering an ID twice.
	ErrNodeExists = errors.New("simulation node already registered")
	// ErrInvalidNode is returned for malformed registrations.
	ErrInvalidNode = errors.New("invalid simulation node")
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultMissedHeartbeats  = 3
)

// Node describes a simulation worker at registration time.
type Node struct {
	ID       model.SimulationNodeID `json:"snid"`
	Address  string                 `json:"address,omitempty"`
	Capacity int                    `json:"capacity"`
}

// NodeStatus is a point-in-time view of one node. ClockSkew is the node's
// reported time minus the pool's clock at the last heartbeat.
type NodeStatus struct {
	Node
	Active        int           `json:"active"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	ClockSkew     time.Duration `json:"clock_skew"`
	Alive         bool          `json:"alive"`
}

// Config tunes liveness detection.
type Config struct {
	// HeartbeatInterval is how often nodes are expected to report.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many consecutive intervals may pass without a
	// heartbeat before the node is declared dead.
	MissedHeartbeats int
	// LivenessWindow bounds the heartbeat age of nodes eligible for Select.
	// Zero means HeartbeatInterval*MissedHeartbeats.
	LivenessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = defaultMissedHeartbeats
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = c.deadAfter()
	}
	return c
}

func (c Config) deadAfter() time.Duration {
	return time.Duration(c.MissedHeartbeats) * c.HeartbeatInterval
}

// MetricsRecorder receives node-count updates.
type MetricsRecorder interface {
	SetLiveNodes(n int)
}

// DeadListener is told about nodes that were removed, either by the liveness
// sweep or by deregistration.
type DeadListener func(id model.SimulationNodeID, reason string)

type nodeEntry struct {
	mu            sync.Mutex
	node          Node
	active        int
	lastHeartbeat time.Time
	skew          time.Duration
}

func (e *nodeEntry) aliveLocked(now time.Time, window time.Duration) bool {
	return now.Sub(e.lastHeartbeat) <= window
}

// tryReserve takes one slot if the node is still live and has room.
func (e *nodeEntry) tryReserve(now time.Time, window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.aliveLocked(now, window) || e.active >= e.node.Capacity {
		return false
	}
	e.active++
	return true
}

// Pool is the node table. The table lock guards membership only; each node
// carries its own lock for load and heartbeat bookkeeping.
type Pool struct {
	cfg   Config
	clock timectrl.Clock
	log   logging.Logger

	mu    sync.RWMutex
	nodes map[model.SimulationNodeID]*nodeEntry

	lmu       sync.RWMutex
	listeners []DeadListener

	metrics MetricsRecorder
}

// Option customises Pool construction.
type Option func(*Pool)

// WithMetricsRecorder attaches a recorder for live-node counts.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool builds an empty pool.
func NewPool(cfg Config, clock timectrl.Clock, log logging.Logger, opts ...Option) *Pool {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	p := &Pool{
		cfg:   cfg.withDefaults(),
		clock: clock,
		log:   log.With(logging.Component("nodepool")),
		nodes: make(map[model.SimulationNodeID]*nodeEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// OnNodeDead registers a listener for removed nodes.
func (p *Pool) OnNodeDead(fn DeadListener) {
	if fn == nil {
		return
	}
	p.lmu.Lock()
	p.listeners = append(p.listeners, fn)
	p.lmu.Unlock()
}

// Register adds a node. Registration counts as its first heartbeat.
func (p *Pool) Register(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidNode)
	}
	if n.Capacity <= 0 {
		return fmt.Errorf("%w: node %q capacity must be positive, got %d", ErrInvalidNode, n.ID, n.Capacity)
	}

	p.mu.Lock()
	if _, exists := p.nodes[n.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	p.nodes[n.ID] = &nodeEntry{node: n, lastHeartbeat: p.clock.Now()}
	count := len(p.nodes)
	p.mu.Unlock()

	p.recordCount(count)
	p.log.Info(context.Background(), "simulation node registered",
		logging.Node(n.ID),
		logging.Int("capacity", n.Capacity),
	)
	return nil
}

// Deregister removes a node. Simulations still assigned to it are reported
// to the dead listeners because nobody can reach them anymore.
func (p *Pool) Deregister(id model.SimulationNodeID) error {
	p.mu.Lock()
	if _, ok := p.nodes[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(p.nodes, id)
	count := len(p.nodes)
	p.mu.Unlock()

	p.recordCount(count)
	p.log.Info(context.Background(), "simulation node deregistered", logging.Node(id))
	p.notify(id, "deregistered")
	return nil
}

// Heartbeat refreshes a node's liveness. Liveness is measured on the pool's
// clock at arrival; ts is what the node believes the time is and only feeds
// the reported clock skew. A zero ts means the node did not say.
func (p *Pool) Heartbeat(id model.SimulationNodeID, ts time.Time) error {
	e := p.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	now := p.clock.Now()
	var skew time.Duration
	if !ts.IsZero() {
		skew = ts.Sub(now)
	}

	e.mu.Lock()
	if now.After(e.lastHeartbeat) {
		e.lastHeartbeat = now
	}
	e.skew = skew
	e.mu.Unlock()

	if skew > p.cfg.HeartbeatInterval || -skew > p.cfg.HeartbeatInterval {
		p.log.Debug(context.Background(), "simulation node clock skewed",
			logging.Node(id),
			logging.Duration("skew", skew),
		)
	}
	return nil
}

// Select reserves one slot on the least-loaded live node. It never blocks on
// anything but the pool's own locks.
func (p *Pool) Select() (model.SimulationNodeID, error) {
	now := p.clock.Now()
	window := p.cfg.LivenessWindow

	type candidate struct {
		entry  *nodeEntry
		id     model.SimulationNodeID
		active int
		free   int
	}

	p.mu.RLock()
	candidates := make([]candidate, 0, len(p.nodes))
	for id, e := range p.nodes {
		e.mu.Lock()
		if e.aliveLocked(now, window) && e.active < e.node.Capacity {
			candidates = append(candidates, candidate{
				entry:  e,
				id:     id,
				active: e.active,
				free:   e.node.Capacity - e.active,
			})
		}
		e.mu.Unlock()
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].active != candidates[j].active {
			return candidates[i].active < candidates[j].active
		}
		if candidates[i].free != candidates[j].free {
			return candidates[i].free > candidates[j].free
		}
		return candidates[i].id < candidates[j].id
	})

	// Another Select may have taken the slot since the snapshot; fall
	// through to the next candidate rather than failing.
	for _, c := range candidates {
		if c.entry.tryReserve(now, window) {
			return c.id, nil
		}
	}
	return "", ErrNoCapacity
}

// Release frees one slot on the node. Unknown nodes are ignored since their
// slots disappeared with them.
func (p *Pool) Release(id model.SimulationNodeID) {
	e := p.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.active > 0 {
		e.active--
	}
	e.mu.Unlock()
}

// IsAlive reports whether the node is registered and within the liveness
// window.
func (p *Pool) IsAlive(id model.SimulationNodeID) bool {
	e := p.lookup(id)
	if e == nil {
		return false
	}
	now := p.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aliveLocked(now, p.cfg.LivenessWindow)
}

// Address returns the dial address recorded at registration.
func (p *Pool) Address(id model.SimulationNodeID) (string, error) {
	e := p.lookup(id)
	if e == nil {
		return "", fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.Address, nil
}

// Sweep removes nodes that missed MissedHeartbeats consecutive heartbeats
// and notifies the dead listeners. It returns the removed IDs.
func (p *Pool) Sweep(now time.Time) []model.SimulationNodeID {
	deadAfter := p.cfg.deadAfter()

	p.mu.Lock()
	var dead []model.SimulationNodeID
	for id, e := range p.nodes {
		e.mu.Lock()
		expired := now.Sub(e.lastHeartbeat) > deadAfter
		e.mu.Unlock()
		if expired {
			dead = append(dead, id)
			delete(p.nodes, id)
		}
	}
	count := len(p.nodes)
	p.mu.Unlock()

	if len(dead) == 0 {
		return nil
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i] < dead[j] })
	p.recordCount(count)
	for _, id := range dead {
		p.log.Warn(context.Background(), "simulation node missed heartbeats; marking dead",
			logging.Node(id),
			logging.Int("missed_heartbeats", p.cfg.MissedHeartbeats),
		)
		p.notify(id, "heartbeat timeout")
	}
	return dead
}

// Snapshot returns the status of every node ordered by ID.
func (p *Pool) Snapshot() []NodeStatus {
	now := p.clock.Now()
	p.mu.RLock()
	out := make([]NodeStatus, 0, len(p.nodes))
	for _, e := range p.nodes {
		e.mu.Lock()
		out = append(out, NodeStatus{
			Node:          e.node,
			Active:        e.active,
			LastHeartbeat: e.lastHeartbeat,
			ClockSkew:     e.skew,
			Alive:         e.aliveLocked(now, p.cfg.LivenessWindow),
		})
		e.mu.Unlock()
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) lookup(id model.SimulationNodeID) *nodeEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nodes[id]
}

func (p *Pool) notify(id model.SimulationNodeID, reason string) {
	p.lmu.RLock()
	listeners := append([]DeadListener(nil), p.listeners...)
	p.lmu.RUnlock()
	for _, fn := range listeners {
		fn(id, reason)
	}
}

func (p *Pool) recordCount(n int) {
	if p.metrics != nil {
		p.metrics.SetLiveNodes(n)
	}
}
