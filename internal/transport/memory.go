package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumdb/cluster/internal/models"
)

// MemoryNetwork connects transports in-process for protocol tests: every
// node gets its own delivery queue and stage goroutine, mirroring the TCP
// transport's dispatch model without sockets.
type MemoryNetwork struct {
	mu       sync.Mutex
	nodes    map[models.Endpoint]*MemoryNode
	inflight atomic.Int64

	// Partitioned pairs drop frames in both directions.
	partitions map[[2]models.Endpoint]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:      make(map[models.Endpoint]*MemoryNode),
		partitions: make(map[[2]models.Endpoint]struct{}),
	}
}

func (n *MemoryNetwork) Join(local models.Endpoint, clock models.Clock) *MemoryNode {
	node := &MemoryNode{
		network:   n,
		local:     local,
		clock:     clock,
		handlers:  make(map[Verb]Handler),
		callbacks: make(map[int32]*pendingCallback),
		queue:     make(chan frame, inboundBacklog),
		done:      make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[local] = node
	n.mu.Unlock()
	go node.stageLoop()
	return node
}

// Partition drops traffic between a and b until Heal is called.
func (n *MemoryNetwork) Partition(a, b models.Endpoint) {
	n.mu.Lock()
	n.partitions[pairKey(a, b)] = struct{}{}
	n.mu.Unlock()
}

func (n *MemoryNetwork) Heal(a, b models.Endpoint) {
	n.mu.Lock()
	delete(n.partitions, pairKey(a, b))
	n.mu.Unlock()
}

func pairKey(a, b models.Endpoint) [2]models.Endpoint {
	if b.Less(a) {
		a, b = b, a
	}
	return [2]models.Endpoint{a, b}
}

func (n *MemoryNetwork) deliver(from, to models.Endpoint, f frame) {
	n.mu.Lock()
	_, cut := n.partitions[pairKey(from, to)]
	node := n.nodes[to]
	n.mu.Unlock()
	if cut || node == nil {
		return
	}
	n.inflight.Add(1)
	select {
	case node.queue <- f:
	case <-node.done:
		n.inflight.Add(-1)
	}
}

// Settle blocks until every queued frame has been processed, including
// frames enqueued by handlers along the way.
func (n *MemoryNetwork) Settle() {
	deadline := time.Now().Add(5 * time.Second)
	for n.inflight.Load() != 0 {
		if time.Now().After(deadline) {
			panic(fmt.Sprintf("memory network did not settle: %d frames in flight", n.inflight.Load()))
		}
		time.Sleep(time.Millisecond)
	}
}

// MemoryNode is one transport endpoint on a MemoryNetwork.
type MemoryNode struct {
	network *MemoryNetwork
	local   models.Endpoint
	clock   models.Clock

	mu        sync.Mutex
	handlers  map[Verb]Handler
	callbacks map[int32]*pendingCallback
	latency   LatencySubscriber
	nextID    atomic.Int32

	queue chan frame
	done  chan struct{}
}

func (m *MemoryNode) stageLoop() {
	for {
		select {
		case <-m.done:
			return
		case f := <-m.queue:
			m.dispatch(f)
			m.network.inflight.Add(-1)
		}
	}
}

func (m *MemoryNode) dispatch(f frame) {
	if f.verb == VerbRequestResponse {
		m.mu.Lock()
		pending, ok := m.callbacks[f.id]
		if ok {
			delete(m.callbacks, f.id)
		}
		latency := m.latency
		m.mu.Unlock()
		if !ok {
			return
		}
		if latency != nil {
			latency.ReceiveTiming(pending.to, time.Duration(m.clock.Nanos()-pending.sentAt))
		}
		pending.cb(f.payload, nil)
		return
	}
	m.mu.Lock()
	handler := m.handlers[f.verb]
	m.mu.Unlock()
	if handler == nil {
		return
	}
	from := f.from
	id := f.id
	handler(from, f.payload, func(payload []byte) {
		m.network.deliver(m.local, from, frame{verb: VerbRequestResponse, id: id, from: m.local, payload: payload})
	})
}

func (m *MemoryNode) RegisterHandler(verb Verb, handler Handler) {
	m.mu.Lock()
	m.handlers[verb] = handler
	m.mu.Unlock()
}

func (m *MemoryNode) RegisterLatencySubscriber(sub LatencySubscriber) {
	m.mu.Lock()
	m.latency = sub
	m.mu.Unlock()
}

func (m *MemoryNode) SendOneWay(to models.Endpoint, verb Verb, payload []byte) {
	m.network.deliver(m.local, to, frame{verb: verb, id: m.nextID.Add(1), from: m.local, payload: payload})
}

func (m *MemoryNode) SendWithReply(to models.Endpoint, verb Verb, payload []byte, cb func(reply []byte, err error)) {
	id := m.nextID.Add(1)
	m.mu.Lock()
	m.callbacks[id] = &pendingCallback{cb: cb, sentAt: m.clock.Nanos(), to: to}
	m.mu.Unlock()
	m.network.deliver(m.local, to, frame{verb: verb, id: id, from: m.local, payload: payload})
}

func (m *MemoryNode) Close() {
	close(m.done)
}

func (m *MemoryNode) Pending() int {
	return len(m.queue)
}

func (m *MemoryNode) LastDrainedAt() int64 {
	return m.clock.Nanos()
}

func (m *MemoryNode) Reconnect(public, preferred models.Endpoint) error {
	return nil
}

func (m *MemoryNode) RemoveConnection(models.Endpoint) {}
