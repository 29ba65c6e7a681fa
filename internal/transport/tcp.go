package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

const (
	dialTimeout    = 2 * time.Second
	replyTimeout   = 10 * time.Second
	inboundBacklog = 1024
)

// TCP carries gossip frames over persistent point-to-point connections. One
// outbound connection per peer, lazily dialed; inbound frames are queued and
// drained by a single stage goroutine so handlers never run concurrently.
type TCP struct {
	local models.Endpoint
	clock models.Clock

	listener net.Listener

	mu        sync.Mutex
	conns     map[models.Endpoint]net.Conn
	preferred map[models.Endpoint]models.Endpoint
	handlers  map[Verb]Handler
	callbacks map[int32]*pendingCallback

	latency   LatencySubscriber
	nextID    atomic.Int32
	inbound   chan frame
	pending   atomic.Int64
	lastDrain atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingCallback struct {
	cb      func(reply []byte, err error)
	sentAt  int64
	to      models.Endpoint
	timeout *time.Timer
}

func NewTCP(local models.Endpoint, clock models.Clock) *TCP {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		local:     local,
		clock:     clock,
		conns:     make(map[models.Endpoint]net.Conn),
		preferred: make(map[models.Endpoint]models.Endpoint),
		handlers:  make(map[Verb]Handler),
		callbacks: make(map[int32]*pendingCallback),
		inbound:   make(chan frame, inboundBacklog),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *TCP) RegisterHandler(verb Verb, handler Handler) {
	t.mu.Lock()
	t.handlers[verb] = handler
	t.mu.Unlock()
}

func (t *TCP) RegisterLatencySubscriber(sub LatencySubscriber) {
	t.mu.Lock()
	t.latency = sub
	t.mu.Unlock()
}

// SetPreferredAddresses preloads the preferred-address map, typically from
// the persisted repository at startup.
func (t *TCP) SetPreferredAddresses(preferred map[models.Endpoint]models.Endpoint) {
	t.mu.Lock()
	for public, ep := range preferred {
		t.preferred[public] = ep
	}
	t.mu.Unlock()
}

// Listen binds the gossip port and starts accepting peers.
func (t *TCP) Listen() error {
	lis, err := net.Listen("tcp", t.local.Resolve())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.local, err)
	}
	t.listener = lis
	t.wg.Add(2)
	go t.acceptLoop()
	go t.stageLoop()
	log.Info().Msgf("transport listening on %s", t.local)
	return nil
}

func (t *TCP) Close() {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[models.Endpoint]net.Conn)
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				log.Warn().Err(err).Msg("failed to accept connection")
				continue
			}
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	for {
		f, err := readFrame(conn)
		if err != nil {
			select {
			case <-t.ctx.Done():
			default:
				log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		t.pending.Add(1)
		select {
		case t.inbound <- f:
		case <-t.ctx.Done():
			return
		}
	}
}

// stageLoop is the single consumer of inbound frames.
func (t *TCP) stageLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.inbound:
			t.pending.Add(-1)
			t.lastDrain.Store(t.clock.Nanos())
			t.dispatch(f)
		}
	}
}

func (t *TCP) dispatch(f frame) {
	if f.verb == VerbRequestResponse {
		t.completeCallback(f)
		return
	}
	t.mu.Lock()
	handler := t.handlers[f.verb]
	t.mu.Unlock()
	if handler == nil {
		log.Warn().Msgf("no handler for verb %s from %s, dropping", f.verb, f.from)
		return
	}
	from := f.from
	id := f.id
	handler(from, f.payload, func(payload []byte) {
		t.send(from, frame{verb: VerbRequestResponse, id: id, from: t.local, payload: payload})
	})
}

func (t *TCP) completeCallback(f frame) {
	t.mu.Lock()
	pending, ok := t.callbacks[f.id]
	if ok {
		delete(t.callbacks, f.id)
	}
	latency := t.latency
	t.mu.Unlock()
	if !ok {
		return
	}
	pending.timeout.Stop()
	if latency != nil {
		latency.ReceiveTiming(pending.to, time.Duration(t.clock.Nanos()-pending.sentAt))
	}
	pending.cb(f.payload, nil)
}

func (t *TCP) SendOneWay(to models.Endpoint, verb Verb, payload []byte) {
	t.send(to, frame{verb: verb, id: t.nextID.Add(1), from: t.local, payload: payload})
}

func (t *TCP) SendWithReply(to models.Endpoint, verb Verb, payload []byte, cb func(reply []byte, err error)) {
	id := t.nextID.Add(1)
	pending := &pendingCallback{cb: cb, sentAt: t.clock.Nanos(), to: to}
	pending.timeout = time.AfterFunc(replyTimeout, func() {
		t.mu.Lock()
		_, ok := t.callbacks[id]
		if ok {
			delete(t.callbacks, id)
		}
		t.mu.Unlock()
		if ok {
			cb(nil, fmt.Errorf("request %s to %s timed out", verb, to))
		}
	})
	t.mu.Lock()
	t.callbacks[id] = pending
	t.mu.Unlock()
	t.send(to, frame{verb: verb, id: id, from: t.local, payload: payload})
}

func (t *TCP) send(to models.Endpoint, f frame) {
	conn, err := t.connection(to)
	if err != nil {
		log.Debug().Err(err).Msgf("failed to connect to %s", to)
		return
	}
	if err := writeFrame(conn, f); err != nil {
		log.Debug().Err(err).Msgf("failed to send %s to %s", f.verb, to)
		t.dropConnection(to, conn)
	}
}

func (t *TCP) connection(to models.Endpoint) (net.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[to]
	target, hasPreferred := t.preferred[to]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}
	if !hasPreferred {
		target = to
	}

	var dialed net.Conn
	err := retry.Do(
		func() error {
			c, err := net.DialTimeout("tcp", target.Resolve(), dialTimeout)
			if err != nil {
				return err
			}
			dialed = c
			return nil
		},
		retry.Attempts(2),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	t.mu.Lock()
	if existing, ok := t.conns[to]; ok {
		t.mu.Unlock()
		dialed.Close()
		return existing, nil
	}
	t.conns[to] = dialed
	t.mu.Unlock()
	return dialed, nil
}

func (t *TCP) dropConnection(to models.Endpoint, conn net.Conn) {
	conn.Close()
	t.mu.Lock()
	if t.conns[to] == conn {
		delete(t.conns, to)
	}
	t.mu.Unlock()
}

// Reconnect redirects future traffic for public to its preferred address.
func (t *TCP) Reconnect(public, preferred models.Endpoint) error {
	t.mu.Lock()
	t.preferred[public] = preferred
	conn, ok := t.conns[public]
	if ok {
		delete(t.conns, public)
	}
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
	return nil
}

// RemoveConnection tears down state for an endpoint leaving the cluster.
func (t *TCP) RemoveConnection(ep models.Endpoint) {
	t.mu.Lock()
	conn, ok := t.conns[ep]
	if ok {
		delete(t.conns, ep)
	}
	delete(t.preferred, ep)
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Pending reports the inbound queue depth for the gossiper's backlog check.
func (t *TCP) Pending() int {
	return int(t.pending.Load())
}

// LastDrainedAt is the monotonic time the stage last processed a message.
func (t *TCP) LastDrainedAt() int64 {
	return t.lastDrain.Load()
}
