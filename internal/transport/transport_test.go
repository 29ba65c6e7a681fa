package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/cluster/internal/models"
)

func TestFrameRoundTrip(t *testing.T) {
	f := frame{
		verb:    VerbGossipDigestSyn,
		id:      42,
		from:    models.Endpoint{Host: "10.0.0.1", Port: 7000},
		payload: []byte("hello"),
	}
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, f))

	decoded, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{verb: VerbEcho, from: models.Endpoint{Host: "a", Port: 1}}))
	raw := buf.Bytes()
	raw[0] ^= 0xFF

	_, err := readFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

type testClock struct{}

func (testClock) Nanos() int64 {
	return time.Now().UnixNano()
}

func (testClock) UnixMillis() int64 {
	return time.Now().UnixMilli()
}

func TestMemoryNetworkDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	a := models.Endpoint{Host: "a", Port: 1}
	b := models.Endpoint{Host: "b", Port: 2}
	nodeA := network.Join(a, testClock{})
	nodeB := network.Join(b, testClock{})
	defer nodeA.Close()
	defer nodeB.Close()

	var mu sync.Mutex
	var got []byte
	var from models.Endpoint
	nodeB.RegisterHandler(VerbGossipDigestSyn, func(sender models.Endpoint, payload []byte, _ func([]byte)) {
		mu.Lock()
		from = sender
		got = payload
		mu.Unlock()
	})

	nodeA.SendOneWay(b, VerbGossipDigestSyn, []byte("digest"))
	network.Settle()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, a, from)
	assert.Equal(t, []byte("digest"), got)
}

func TestMemoryNetworkReplyAndLatency(t *testing.T) {
	network := NewMemoryNetwork()
	a := models.Endpoint{Host: "a", Port: 1}
	b := models.Endpoint{Host: "b", Port: 2}
	nodeA := network.Join(a, testClock{})
	nodeB := network.Join(b, testClock{})
	defer nodeA.Close()
	defer nodeB.Close()

	nodeB.RegisterHandler(VerbEcho, func(_ models.Endpoint, _ []byte, reply func([]byte)) {
		reply([]byte("pong"))
	})

	timings := &timingRecorder{}
	nodeA.RegisterLatencySubscriber(timings)

	var mu sync.Mutex
	var reply []byte
	nodeA.SendWithReply(b, VerbEcho, nil, func(payload []byte, err error) {
		mu.Lock()
		reply = payload
		mu.Unlock()
	})
	network.Settle()

	mu.Lock()
	assert.Equal(t, []byte("pong"), reply)
	mu.Unlock()
	assert.Equal(t, []models.Endpoint{b}, timings.endpoints())
}

func TestMemoryNetworkPartition(t *testing.T) {
	network := NewMemoryNetwork()
	a := models.Endpoint{Host: "a", Port: 1}
	b := models.Endpoint{Host: "b", Port: 2}
	nodeA := network.Join(a, testClock{})
	nodeB := network.Join(b, testClock{})
	defer nodeA.Close()
	defer nodeB.Close()

	var mu sync.Mutex
	delivered := 0
	nodeB.RegisterHandler(VerbEcho, func(models.Endpoint, []byte, func([]byte)) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	network.Partition(a, b)
	nodeA.SendOneWay(b, VerbEcho, nil)
	network.Settle()

	network.Heal(a, b)
	nodeA.SendOneWay(b, VerbEcho, nil)
	network.Settle()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

type timingRecorder struct {
	mu  sync.Mutex
	eps []models.Endpoint
}

func (r *timingRecorder) ReceiveTiming(ep models.Endpoint, _ time.Duration) {
	r.mu.Lock()
	r.eps = append(r.eps, ep)
	r.mu.Unlock()
}

func (r *timingRecorder) endpoints() []models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eps
}

// Two TCP transports exchange a frame and a reply over real sockets.
func TestTCPTransportExchange(t *testing.T) {
	clock := testClock{}
	trA := NewTCP(models.Endpoint{Host: "127.0.0.1", Port: 34011}, clock)
	trB := NewTCP(models.Endpoint{Host: "127.0.0.1", Port: 34012}, clock)
	require.NoError(t, trA.Listen())
	require.NoError(t, trB.Listen())
	defer trA.Close()
	defer trB.Close()

	trB.RegisterHandler(VerbEcho, func(_ models.Endpoint, _ []byte, reply func([]byte)) {
		reply(nil)
	})

	done := make(chan struct{})
	trA.SendWithReply(models.Endpoint{Host: "127.0.0.1", Port: 34012}, VerbEcho, nil, func(_ []byte, err error) {
		assert.NoError(t, err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("echo reply never arrived")
	}
}
