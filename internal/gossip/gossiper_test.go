package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/cluster/internal/detector"
	"github.com/quorumdb/cluster/internal/events"
	"github.com/quorumdb/cluster/internal/metrics"
	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/topology"
	"github.com/quorumdb/cluster/internal/transport"
)

type fakeClock struct {
	mu    sync.Mutex
	nanos int64
}

func (c *fakeClock) Nanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nanos
}

func (c *fakeClock) UnixMillis() int64 {
	return c.Nanos() / int64(time.Millisecond)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.nanos += d.Nanoseconds()
	c.mu.Unlock()
}

type testNode struct {
	ep       models.Endpoint
	gossiper *Gossiper
	fd       *detector.FailureDetector
	bus      *events.Bus
	meta     *topology.Metadata
	factory  *models.ValueFactory
}

type testCluster struct {
	network *transport.MemoryNetwork
	clock   *fakeClock
	nodes   []*testNode
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	return &testCluster{
		network: transport.NewMemoryNetwork(),
		clock:   &fakeClock{nanos: 1},
	}
}

func (c *testCluster) addNode(host string, generation int32, seeds ...models.Endpoint) *testNode {
	ep := models.Endpoint{Host: host, Port: 7000}
	memNode := c.network.Join(ep, c.clock)

	versionGen := models.NewVersionGenerator()
	factory := models.NewValueFactory(versionGen)
	fd := detector.New(c.clock, detector.Config{
		InitialValueNanos: (2 * time.Second).Nanoseconds(),
	})
	bus := events.NewBus()
	meta := topology.NewMetadata()

	gossiper := New(Config{
		ClusterName: "test-cluster",
		Local:       ep,
		Seeds:       seeds,
		Interval:    time.Second,
		RingDelay:   30 * time.Second,
	}, c.clock, versionGen, factory, memNode, fd, bus, meta, metrics.Nop{})
	fd.RegisterConvictListener(gossiper)
	bus.Register(topology.NewUpdater(meta, gossiper))

	gossiper.Initialize(generation, map[models.ApplicationState]models.VersionedValue{
		models.AppStateDC:     factory.Datacenter("east"),
		models.AppStateRack:   factory.Rack("r1"),
		models.AppStateHostID: factory.HostID("id-" + host),
		models.AppStateStatus: factory.Normal("id-" + host),
	})

	node := &testNode{ep: ep, gossiper: gossiper, fd: fd, bus: bus, meta: meta, factory: factory}
	c.nodes = append(c.nodes, node)
	return node
}

// round ticks every node once and waits for all in-flight messages.
func (c *testCluster) round() {
	for _, node := range c.nodes {
		node.gossiper.Tick()
		c.network.Settle()
	}
	c.clock.advance(time.Second)
}

// roundsUntil gossips until cond holds, bounded so a broken exchange fails
// the test instead of spinning.
func (c *testCluster) roundsUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 40; i++ {
		if cond() {
			return
		}
		c.round()
	}
	require.True(t, cond(), "condition not reached after 40 gossip rounds")
}

// Cold join: A starts with seed B, B already knows C. One full exchange
// propagates everything both ways, and no one is convicted early on.
func TestColdJoin(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)
	cNode := cluster.addNode("c", 100, b.ep)
	a := cluster.addNode("a", 100, b.ep)

	// let B and C meet first
	for i := 0; i < 3; i++ {
		cNode.gossiper.Tick()
		b.gossiper.Tick()
		cluster.network.Settle()
		cluster.clock.advance(time.Second)
	}
	require.True(t, b.gossiper.IsKnownEndpoint(cNode.ep))

	// A's first round goes to its seed B; a couple more spread the word
	cluster.roundsUntil(t, func() bool {
		return a.gossiper.IsKnownEndpoint(b.ep) &&
			a.gossiper.IsKnownEndpoint(cNode.ep) &&
			b.gossiper.IsKnownEndpoint(a.ep) &&
			cNode.gossiper.IsKnownEndpoint(a.ep)
	})

	// roughly ten seconds in, nobody has been convicted
	for _, node := range cluster.nodes {
		assert.Empty(t, node.gossiper.UnreachableMembers(), "no convictions expected for %s", node.ep)
	}
}

// After free gossip with no losses every node's map covers every endpoint
// with agreeing generations and everyone is marked up.
func TestGossipConvergence(t *testing.T) {
	cluster := newTestCluster(t)
	seed := cluster.addNode("n0", 100)
	for i := 1; i < 4; i++ {
		cluster.addNode("n"+string(rune('0'+i)), 100, seed.ep)
	}

	cluster.roundsUntil(t, func() bool {
		for _, node := range cluster.nodes {
			if len(node.gossiper.LiveMembers()) != len(cluster.nodes) {
				return false
			}
		}
		return true
	})

	for _, node := range cluster.nodes {
		assert.Len(t, node.gossiper.LiveMembers(), len(cluster.nodes), "live view of %s", node.ep)
		for _, other := range cluster.nodes {
			gen, err := node.gossiper.CurrentGeneration(other.ep)
			require.NoError(t, err, "%s must know %s", node.ep, other.ep)
			assert.Equal(t, int32(100), gen)
		}
		simple := node.gossiper.SimpleStates()
		for _, status := range simple {
			assert.Equal(t, "UP", status)
		}
	}
}

// Applying the same remote state twice is a no-op after the first
// application.
func TestApplyIsIdempotent(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)

	remote := models.Endpoint{Host: "r", Port: 7000}
	remoteState := testState(50, 10)

	changes := &recordingSubscriber{}
	a.bus.Register(changes)

	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: remoteState})
	cluster.network.Settle()
	firstJoins := changes.joins()

	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: testState(50, 10)})
	cluster.network.Settle()

	assert.Equal(t, firstJoins, changes.joins(), "second application must not rejoin")
	assert.Zero(t, changes.changeCount(), "second application must not fire change notifications")

	state := a.gossiper.EndpointState(remote)
	require.NotNil(t, state)
	assert.Equal(t, int32(50), state.Heartbeat().Generation())
}

type recordingSubscriber struct {
	events.NopSubscriber
	mu      sync.Mutex
	join    []models.Endpoint
	changes []models.ApplicationState
}

func (r *recordingSubscriber) OnJoin(ep models.Endpoint, _ *models.EndpointState) {
	r.mu.Lock()
	r.join = append(r.join, ep)
	r.mu.Unlock()
}

func (r *recordingSubscriber) OnChange(_ models.Endpoint, key models.ApplicationState, _ models.VersionedValue) {
	r.mu.Lock()
	r.changes = append(r.changes, key)
	r.mu.Unlock()
}

func (r *recordingSubscriber) joins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.join)
}

func (r *recordingSubscriber) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// Newer generation wholly replaces the local state.
func TestHigherGenerationReplacesState(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)
	remote := models.Endpoint{Host: "r", Port: 7000}

	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: testState(50, 10)})
	cluster.network.Settle()

	restarted := models.NewEndpointState(models.NewHeartbeatStateWithVersion(51, 1))
	restarted.AddAppState(models.AppStateDC, models.VersionedValue{Value: "west", Version: 2})
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: restarted})
	cluster.network.Settle()

	state := a.gossiper.EndpointState(remote)
	require.NotNil(t, state)
	assert.Equal(t, int32(51), state.Heartbeat().Generation())
	dc, _ := state.AppState(models.AppStateDC)
	assert.Equal(t, "west", dc.Value)
}

// A generation gap of more than a year of seconds is corruption and is
// ignored.
func TestInsaneGenerationIsIgnored(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)
	remote := models.Endpoint{Host: "r", Port: 7000}

	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: testState(50, 10)})
	cluster.network.Settle()

	corrupted := testState(50+maxGenerationDifference+1, 1)
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: corrupted})
	cluster.network.Settle()

	state := a.gossiper.EndpointState(remote)
	require.NotNil(t, state)
	assert.Equal(t, int32(50), state.Heartbeat().Generation())
}

// Quarantine: an evicted endpoint is deaf to gossip until the quarantine
// delay (2 × ring delay) has elapsed.
func TestEvictionQuarantine(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)
	remote := models.Endpoint{Host: "r", Port: 7000}

	// a LEFT state whose expiry has already passed
	left := models.NewEndpointState(models.NewHeartbeatStateWithVersion(50, 10))
	left.AddAppState(models.AppStateStatus, models.VersionedValue{Value: "LEFT,token,1", Version: 11})
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: left})
	cluster.network.Settle()
	require.True(t, a.gossiper.IsKnownEndpoint(remote))

	// the status check evicts it: dead, expired, not a ring member
	cluster.clock.advance(time.Second)
	a.gossiper.Tick()
	cluster.network.Settle()
	require.False(t, a.gossiper.IsKnownEndpoint(remote), "expired dead endpoint must be evicted")

	// 15s later stale gossip about it is dropped
	cluster.clock.advance(15 * time.Second)
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: testState(50, 12)})
	cluster.network.Settle()
	assert.False(t, a.gossiper.IsKnownEndpoint(remote), "quarantined endpoint must stay unknown")

	// after the 60s quarantine the next tick purges the entry and gossip is
	// accepted again
	cluster.clock.advance(46 * time.Second)
	a.gossiper.Tick()
	cluster.network.Settle()
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{remote: testState(52, 1)})
	cluster.network.Settle()
	assert.True(t, a.gossiper.IsKnownEndpoint(remote), "post-quarantine gossip must be accepted")
}

// A local update must outrun any version a concurrent remote apply may have
// written.
func TestApplyLocalStateRaisesVersion(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)

	value := a.factory.Load(0.75)
	before := value.Version
	a.gossiper.ApplyLocalState(models.AppStateLoad, value)

	state := a.gossiper.EndpointState(a.ep)
	require.NotNil(t, state)
	stored, ok := state.AppState(models.AppStateLoad)
	require.True(t, ok)
	assert.Greater(t, stored.Version, before)
	assert.Equal(t, stored.Version, state.MaxVersion())
}

// A shutdown announcement marks the peer down immediately.
func TestShutdownAnnouncementMarksDead(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)
	a := cluster.addNode("a", 100, b.ep)

	cluster.roundsUntil(t, func() bool { return len(a.gossiper.LiveMembers()) == 2 })
	require.Contains(t, a.gossiper.LiveMembers(), b.ep)

	a.gossiper.handleShutdown(b.ep, nil, nil)
	cluster.network.Settle()
	assert.Contains(t, a.gossiper.UnreachableMembers(), b.ep)
	cluster.clock.advance(time.Second)
	assert.Greater(t, a.gossiper.EndpointDowntime(b.ep), time.Duration(0))
}

// The examine step must implement the digest reconciliation table.
func TestExamineDigestTable(t *testing.T) {
	cluster := newTestCluster(t)
	a := cluster.addNode("a", 100)

	known := models.Endpoint{Host: "k", Port: 7000}
	a.gossiper.applyStateLocally(map[models.Endpoint]*models.EndpointState{known: testState(50, 10)})
	cluster.network.Settle()
	localMax := a.gossiper.EndpointState(known).MaxVersion()

	unknown := models.Endpoint{Host: "u", Port: 7000}

	digests := []Digest{
		{Endpoint: unknown, Generation: 7, MaxVersion: 3},       // absent locally: request all
		{Endpoint: known, Generation: 51, MaxVersion: 1},        // remote restarted: request all
		{Endpoint: known, Generation: 49, MaxVersion: 99},       // remote is stale: send everything
		{Endpoint: known, Generation: 50, MaxVersion: localMax}, // in sync: skip
	}
	deltaDigests, deltaStates := a.gossiper.examine(digests)

	require.Len(t, deltaDigests, 2)
	assert.Equal(t, Digest{Endpoint: unknown, Generation: 7}, deltaDigests[0])
	assert.Equal(t, Digest{Endpoint: known, Generation: 51}, deltaDigests[1])

	require.Contains(t, deltaStates, known)
	assert.Equal(t, localMax, deltaStates[known].MaxVersion())

	// equal generation, remote behind: only the newer part is sent
	deltaDigests, deltaStates = a.gossiper.examine([]Digest{{Endpoint: known, Generation: 50, MaxVersion: localMax - 1}})
	assert.Empty(t, deltaDigests)
	require.Contains(t, deltaStates, known)

	// equal generation, remote ahead: request the delta above our max
	deltaDigests, deltaStates = a.gossiper.examine([]Digest{{Endpoint: known, Generation: 50, MaxVersion: localMax + 5}})
	require.Len(t, deltaDigests, 1)
	assert.Equal(t, localMax, deltaDigests[0].MaxVersion)
	assert.Empty(t, deltaStates)
}

// An empty digest list is a shadow request; the reply must describe every
// known endpoint.
func TestShadowRoundReply(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)
	a := cluster.addNode("a", 100, b.ep)

	cluster.roundsUntil(t, func() bool { return b.gossiper.IsKnownEndpoint(a.ep) })

	fresh := cluster.network.Join(models.Endpoint{Host: "probe", Port: 7000}, cluster.clock)
	var got map[models.Endpoint]*models.EndpointState
	var mu sync.Mutex
	fresh.RegisterHandler(transport.VerbGossipDigestAck, func(_ models.Endpoint, payload []byte, _ func([]byte)) {
		ack, err := UnmarshalDigestAck(payload)
		if err != nil {
			return
		}
		mu.Lock()
		got = ack.States
		mu.Unlock()
	})

	payload, err := (DigestSyn{ClusterID: "test-cluster"}).Marshal()
	require.NoError(t, err)
	fresh.SendOneWay(b.ep, transport.VerbGossipDigestSyn, payload)
	cluster.network.Settle()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Contains(t, got, a.ep)
	assert.Contains(t, got, b.ep)
}

// A SYN with the wrong cluster id is dropped outright.
func TestClusterIDMismatchIsDropped(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)

	stranger := cluster.network.Join(models.Endpoint{Host: "stranger", Port: 7000}, cluster.clock)
	var mu sync.Mutex
	replied := false
	stranger.RegisterHandler(transport.VerbGossipDigestAck, func(models.Endpoint, []byte, func([]byte)) {
		mu.Lock()
		replied = true
		mu.Unlock()
	})

	payload, err := (DigestSyn{ClusterID: "other-cluster"}).Marshal()
	require.NoError(t, err)
	stranger.SendOneWay(b.ep, transport.VerbGossipDigestSyn, payload)
	cluster.network.Settle()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, replied)
}

// Convictions route through the bus as on-dead events.
func TestConvictMarksDeadAndNotifies(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)
	a := cluster.addNode("a", 100, b.ep)

	cluster.roundsUntil(t, func() bool { return len(a.gossiper.LiveMembers()) == 2 })
	require.Contains(t, a.gossiper.LiveMembers(), b.ep)

	dead := &deadRecorder{}
	a.bus.Register(dead)

	a.fd.ForceConviction(b.ep)
	cluster.network.Settle()

	assert.Contains(t, a.gossiper.UnreachableMembers(), b.ep)
	assert.Equal(t, []models.Endpoint{b.ep}, dead.dead)
}

type deadRecorder struct {
	events.NopSubscriber
	mu   sync.Mutex
	dead []models.Endpoint
}

func (r *deadRecorder) OnDead(ep models.Endpoint, _ *models.EndpointState) {
	r.mu.Lock()
	r.dead = append(r.dead, ep)
	r.mu.Unlock()
}

// Gossiped DC/rack/host-id states feed the topology through the bus.
func TestTopologyFollowsGossip(t *testing.T) {
	cluster := newTestCluster(t)
	b := cluster.addNode("b", 100)
	a := cluster.addNode("a", 100, b.ep)

	cluster.roundsUntil(t, func() bool { return a.meta.IsMember(b.ep) })

	require.True(t, a.meta.IsMember(b.ep))
	dc, ok := a.meta.DatacenterOf(b.ep)
	require.True(t, ok)
	assert.Equal(t, "east", dc)
	assert.Contains(t, a.meta.SortedHostIDs(), "id-b")
}
