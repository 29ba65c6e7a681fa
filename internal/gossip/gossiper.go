package gossip

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/detector"
	"github.com/quorumdb/cluster/internal/events"
	"github.com/quorumdb/cluster/internal/metrics"
	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/transport"
)

// maxGenerationDifference rejects generations more than a year of seconds
// apart as corruption.
const maxGenerationDifference = 86400 * 365

// aVeryLongTime is the default expire horizon for departed endpoints.
const aVeryLongTime = 3 * 24 * time.Hour

// Transport is the messaging surface the gossiper needs; the composition
// root supplies the TCP implementation, tests an in-memory one.
type Transport interface {
	transport.Sender
	RegisterHandler(verb transport.Verb, handler transport.Handler)
	Pending() int
	LastDrainedAt() int64
	RemoveConnection(ep models.Endpoint)
}

// Members reports whether an endpoint holds tokens; gossip participants
// that do not are fat clients with a shorter silent-timeout.
type Members interface {
	IsMember(ep models.Endpoint) bool
}

type Config struct {
	ClusterName string
	Local       models.Endpoint
	Seeds       []models.Endpoint
	Interval    time.Duration
	RingDelay   time.Duration
}

func (c *Config) interval() time.Duration {
	if c.Interval <= 0 {
		return time.Second
	}
	return c.Interval
}

func (c *Config) ringDelay() time.Duration {
	if c.RingDelay <= 0 {
		return 30 * time.Second
	}
	return c.RingDelay
}

func (c *Config) quarantineDelay() time.Duration {
	return 2 * c.ringDelay()
}

func (c *Config) fatClientTimeout() time.Duration {
	return c.quarantineDelay() / 2
}

// Gossiper maintains the endpoint-state map through the periodic
// anti-entropy exchange, drives the failure detector, and publishes
// liveness transitions on the event bus. It exclusively owns the state map;
// merges run behind one mutex, and the mutex is never held across a
// subscriber callback.
type Gossiper struct {
	cfg     Config
	clock   models.Clock
	rnd     *rand.Rand
	gen     *models.VersionGenerator
	factory *models.ValueFactory

	tr      Transport
	fd      *detector.FailureDetector
	bus     *events.Bus
	members Members
	stats   metrics.Metrics

	mu             sync.RWMutex
	endpointStates map[models.Endpoint]*models.EndpointState
	live           map[models.Endpoint]struct{}
	unreachable    map[models.Endpoint]int64
	seeds          map[models.Endpoint]struct{}
	justRemoved    map[models.Endpoint]int64
	expireTimes    map[models.Endpoint]int64
	inShadowRound  bool
	shadowDone     chan struct{}

	runMu   sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

func New(cfg Config, clock models.Clock, gen *models.VersionGenerator, factory *models.ValueFactory,
	tr Transport, fd *detector.FailureDetector, bus *events.Bus, members Members, stats metrics.Metrics) *Gossiper {
	g := &Gossiper{
		cfg:            cfg,
		clock:          clock,
		rnd:            rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		gen:            gen,
		factory:        factory,
		tr:             tr,
		fd:             fd,
		bus:            bus,
		members:        members,
		stats:          stats,
		endpointStates: make(map[models.Endpoint]*models.EndpointState),
		live:           make(map[models.Endpoint]struct{}),
		unreachable:    make(map[models.Endpoint]int64),
		seeds:          make(map[models.Endpoint]struct{}),
		justRemoved:    make(map[models.Endpoint]int64),
		expireTimes:    make(map[models.Endpoint]int64),
	}
	tr.RegisterHandler(transport.VerbGossipDigestSyn, g.handleSyn)
	tr.RegisterHandler(transport.VerbGossipDigestAck, g.handleAck)
	tr.RegisterHandler(transport.VerbGossipDigestAck2, g.handleAck2)
	tr.RegisterHandler(transport.VerbGossipShutdown, g.handleShutdown)
	tr.RegisterHandler(transport.VerbEcho, g.handleEcho)
	return g
}

// deferredNotes collects bus notifications and sends produced while the
// gossiper mutex is held; they run after it is released so subscribers
// never observe the lock.
type deferredNotes struct {
	fns []func()
}

func (d *deferredNotes) add(fn func()) {
	d.fns = append(d.fns, fn)
}

func (d *deferredNotes) run() {
	for _, fn := range d.fns {
		fn()
	}
}

// Initialize seeds the local heartbeat state with the given generation and
// preloads application states; it does not begin gossiping.
func (g *Gossiper) Initialize(generation int32, preload map[models.ApplicationState]models.VersionedValue) {
	g.mu.Lock()
	g.buildSeedsLocked()
	if _, ok := g.endpointStates[g.cfg.Local]; !ok {
		g.endpointStates[g.cfg.Local] = models.NewEndpointState(models.NewHeartbeatState(generation))
	}
	localState := g.endpointStates[g.cfg.Local]
	for key, value := range preload {
		localState.AddAppState(key, value)
	}
	g.mu.Unlock()
}

// Start initializes the local state and begins the periodic gossip task.
func (g *Gossiper) Start(generation int32, preload map[models.ApplicationState]models.VersionedValue) {
	g.Initialize(generation, preload)

	log.Info().Msgf("gossip started with generation %d", generation)

	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.stopped = make(chan struct{})
	go g.loop()
}

func (g *Gossiper) loop() {
	defer close(g.stopped)
	ticker := time.NewTicker(g.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}

// Stop cancels the periodic task, announces shutdown to live peers and
// waits two gossip periods for the announcement to drain.
func (g *Gossiper) Stop() {
	g.runMu.Lock()
	if !g.running {
		g.runMu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.runMu.Unlock()
	<-g.stopped

	log.Info().Msg("announcing shutdown")
	g.mu.RLock()
	peers := make([]models.Endpoint, 0, len(g.live))
	for ep := range g.live {
		peers = append(peers, ep)
	}
	g.mu.RUnlock()
	for _, ep := range peers {
		g.tr.SendOneWay(ep, transport.VerbGossipShutdown, nil)
	}
	time.Sleep(2 * g.cfg.interval())
}

func (g *Gossiper) IsEnabled() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.running
}

func (g *Gossiper) buildSeedsLocked() {
	for _, seed := range g.cfg.Seeds {
		if seed != g.cfg.Local {
			g.seeds[seed] = struct{}{}
		}
	}
}

// Tick performs one gossip round. Exactly one round runs at a time; a fault
// while processing one endpoint must not starve the rest, so the whole round
// is fenced.
func (g *Gossiper) Tick() {
	started := time.Now()
	locked := false
	defer func() {
		if r := recover(); r != nil {
			if locked {
				g.mu.Unlock()
			}
			log.Error().Msgf("gossip round failed: %v", r)
		}
		g.stats.Duration("gossip.round", time.Since(started))
	}()

	var notes deferredNotes
	g.mu.Lock()
	locked = true
	if localState, ok := g.endpointStates[g.cfg.Local]; ok {
		localState.UpdateHeartbeat(g.gen)
	}
	digests := g.randomDigestsLocked()
	if len(digests) > 0 {
		payload, err := (DigestSyn{ClusterID: g.cfg.ClusterName, Digests: digests}).Marshal()
		if err != nil {
			locked = false
			g.mu.Unlock()
			log.Error().Err(err).Msg("failed to encode gossip digests")
			return
		}
		gossipedToSeed := g.gossipToLiveLocked(payload)
		g.gossipToUnreachableLocked(payload)
		if !gossipedToSeed || len(g.live) < len(g.seeds) {
			g.gossipToSeedLocked(payload)
		}
		g.statusCheckLocked(&notes)
	}
	liveCount, unreachableCount := len(g.live), len(g.unreachable)
	locked = false
	g.mu.Unlock()
	notes.run()

	g.stats.Gauge("gossip.live", liveCount)
	g.stats.Gauge("gossip.unreachable", unreachableCount)
}

// randomDigestsLocked builds one digest per known endpoint in shuffled
// order.
func (g *Gossiper) randomDigestsLocked() []Digest {
	eps := make([]models.Endpoint, 0, len(g.endpointStates))
	for ep := range g.endpointStates {
		eps = append(eps, ep)
	}
	g.rnd.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })

	digests := make([]Digest, 0, len(eps))
	for _, ep := range eps {
		state := g.endpointStates[ep]
		digests = append(digests, Digest{
			Endpoint:   ep,
			Generation: state.Heartbeat().Generation(),
			MaxVersion: state.MaxVersion(),
		})
	}
	return digests
}

// gossipToLiveLocked sends the round's SYN to one random live peer and
// reports whether that peer was a seed.
func (g *Gossiper) gossipToLiveLocked(payload []byte) bool {
	return g.sendGossipLocked(payload, setToSlice(g.live))
}

// gossipToUnreachableLocked probes a dead peer with probability
// unreachable/(live+1) to notice it coming back.
func (g *Gossiper) gossipToUnreachableLocked(payload []byte) {
	if len(g.unreachable) == 0 {
		return
	}
	prob := float64(len(g.unreachable)) / (float64(len(g.live)) + 1)
	if g.rnd.Float64() < prob {
		eps := make([]models.Endpoint, 0, len(g.unreachable))
		for ep := range g.unreachable {
			eps = append(eps, ep)
		}
		g.sendGossipLocked(payload, eps)
	}
}

// gossipToSeedLocked keeps partitioned subclusters converging through the
// seed set.
func (g *Gossiper) gossipToSeedLocked(payload []byte) {
	if len(g.seeds) == 0 {
		return
	}
	if len(g.live) == 0 {
		g.sendGossipLocked(payload, setToSlice(g.seeds))
		return
	}
	prob := float64(len(g.seeds)) / float64(len(g.live)+len(g.unreachable))
	if g.rnd.Float64() <= prob {
		g.sendGossipLocked(payload, setToSlice(g.seeds))
	}
}

func (g *Gossiper) sendGossipLocked(payload []byte, eps []models.Endpoint) bool {
	if len(eps) == 0 {
		return false
	}
	to := eps[g.rnd.IntN(len(eps))]
	log.Trace().Msgf("sending gossip digest syn to %s", to)
	g.tr.SendOneWay(to, transport.VerbGossipDigestSyn, payload)
	_, isSeed := g.seeds[to]
	return isSeed
}

func setToSlice(set map[models.Endpoint]struct{}) []models.Endpoint {
	eps := make([]models.Endpoint, 0, len(set))
	for ep := range set {
		eps = append(eps, ep)
	}
	return eps
}

// statusCheckLocked interprets the failure detector for every peer, expires
// fat clients and departed endpoints, and purges the quarantine set.
func (g *Gossiper) statusCheckLocked(notes *deferredNotes) {
	now := g.clock.Nanos()
	nowMillis := g.clock.UnixMillis()

	if g.tr.Pending() > 0 && now-g.tr.LastDrainedAt() > time.Second.Nanoseconds() {
		log.Warn().Msgf("gossip stage has %d pending messages; skipping status check", g.tr.Pending())
		return
	}

	for ep, state := range g.endpointStates {
		if ep == g.cfg.Local {
			continue
		}
		if phi, convicted := g.fd.Interpret(ep); convicted {
			g.convictLocked(ep, phi, notes)
		}

		_, quarantined := g.justRemoved[ep]
		if g.isGossipOnlyMemberLocked(ep) && !quarantined &&
			now-state.UpdateTimestamp() > g.cfg.fatClientTimeout().Nanoseconds() {
			log.Info().Msgf("fat client %s has been silent for %s, removing from gossip", ep, g.cfg.fatClientTimeout())
			g.removeEndpointLocked(ep, notes)
			g.evictLocked(ep)
		}

		if !state.IsAlive() && nowMillis > g.expireTimeLocked(ep) && !g.members.IsMember(ep) {
			log.Debug().Msgf("expire time reached for endpoint %s", ep)
			g.evictLocked(ep)
		}
	}

	for ep, removedAt := range g.justRemoved {
		if now-removedAt > g.cfg.quarantineDelay().Nanoseconds() {
			log.Debug().Msgf("gossip quarantine over for %s", ep)
			delete(g.justRemoved, ep)
		}
	}
}

// Convict is the failure-detector outcome entry point for callers outside
// the tick, such as forced convictions from the admin surface.
func (g *Gossiper) Convict(ep models.Endpoint, phi float64) {
	var notes deferredNotes
	g.mu.Lock()
	g.convictLocked(ep, phi, &notes)
	g.mu.Unlock()
	notes.run()
}

func (g *Gossiper) convictLocked(ep models.Endpoint, phi float64, notes *deferredNotes) {
	state, ok := g.endpointStates[ep]
	if !ok {
		return
	}
	if state.IsAlive() && !state.IsDead() {
		g.markDeadLocked(ep, state, notes)
		g.stats.Increment("gossip.convictions")
	} else {
		state.MarkDead()
	}
}

func (g *Gossiper) isGossipOnlyMemberLocked(ep models.Endpoint) bool {
	state, ok := g.endpointStates[ep]
	if !ok {
		return false
	}
	return !state.IsDead() && !g.members.IsMember(ep)
}

func (g *Gossiper) expireTimeLocked(ep models.Endpoint) int64 {
	if expire, ok := g.expireTimes[ep]; ok {
		return expire
	}
	return g.clock.UnixMillis() + aVeryLongTime.Milliseconds()
}

// evictLocked drops all state for ep and quarantines it so stale gossip
// cannot resurrect it.
func (g *Gossiper) evictLocked(ep models.Endpoint) {
	delete(g.unreachable, ep)
	delete(g.endpointStates, ep)
	delete(g.expireTimes, ep)
	g.justRemoved[ep] = g.clock.Nanos()
	g.stats.Increment("gossip.evictions")
	log.Debug().Msgf("evicting %s from gossip", ep)
}

// removeEndpointLocked takes ep out of the live and unreachable sets and
// quarantines it; its entry in the state map is left in place.
func (g *Gossiper) removeEndpointLocked(ep models.Endpoint, notes *deferredNotes) {
	notes.add(func() { g.bus.NotifyRemove(ep) })

	if _, isSeed := g.seeds[ep]; isSeed {
		g.buildSeedsLocked()
		delete(g.seeds, ep)
		log.Info().Msgf("removed %s from seeds", ep)
	}

	delete(g.live, ep)
	delete(g.unreachable, ep)
	g.fd.Remove(ep)
	g.justRemoved[ep] = g.clock.Nanos()
	removed := ep
	notes.add(func() { g.tr.RemoveConnection(removed) })
	log.Debug().Msgf("removing endpoint %s", ep)
}

// RemoveEndpoint is the subscriber-visible removal path (e.g. when the ring
// layer finishes decommissioning a node).
func (g *Gossiper) RemoveEndpoint(ep models.Endpoint) {
	var notes deferredNotes
	g.mu.Lock()
	g.removeEndpointLocked(ep, &notes)
	g.mu.Unlock()
	notes.run()
}

// markAliveLocked starts the two-phase alive transition: the endpoint stays
// dead until it answers an ECHO, so one bidirectional gossip message cannot
// flap it.
func (g *Gossiper) markAliveLocked(ep models.Endpoint, state *models.EndpointState, notes *deferredNotes) {
	state.MarkDead()
	notes.add(func() {
		log.Trace().Msgf("sending echo to %s", ep)
		g.tr.SendWithReply(ep, transport.VerbEcho, nil, func(_ []byte, err error) {
			if err != nil {
				log.Debug().Err(err).Msgf("echo to %s failed", ep)
				return
			}
			g.realMarkAlive(ep, state)
		})
	})
}

func (g *Gossiper) realMarkAlive(ep models.Endpoint, state *models.EndpointState) {
	g.mu.Lock()
	state.MarkAlive()
	state.Touch(g.clock.Nanos())
	g.live[ep] = struct{}{}
	delete(g.unreachable, ep)
	delete(g.expireTimes, ep)
	g.mu.Unlock()

	log.Info().Msgf("node %s is now UP", ep)
	g.bus.NotifyAlive(ep, state)
}

func (g *Gossiper) markDeadLocked(ep models.Endpoint, state *models.EndpointState, notes *deferredNotes) {
	state.MarkDead()
	delete(g.live, ep)
	g.unreachable[ep] = g.clock.Nanos()
	notes.add(func() {
		log.Info().Msgf("node %s is now DOWN", ep)
		g.bus.NotifyDead(ep, state)
	})
}

// handleMajorStateChangeLocked replaces the local view of ep wholesale; a
// generation change means the process restarted.
func (g *Gossiper) handleMajorStateChangeLocked(ep models.Endpoint, state *models.EndpointState, notes *deferredNotes) {
	if !state.IsDead() {
		if _, known := g.endpointStates[ep]; known {
			log.Info().Msgf("node %s has restarted, now UP", ep)
		} else {
			log.Info().Msgf("node %s is now part of the cluster", ep)
		}
	}
	g.endpointStates[ep] = state
	notes.add(func() { g.bus.NotifyRestart(ep, state) })

	g.rememberExpiryLocked(ep, state)
	state.Touch(g.clock.Nanos())
	if !state.IsDead() {
		g.markAliveLocked(ep, state, notes)
	} else {
		log.Debug().Msgf("not marking %s alive due to dead state", ep)
		g.markDeadLocked(ep, state, notes)
	}
	notes.add(func() { g.bus.NotifyJoin(ep, state) })
}

func (g *Gossiper) rememberExpiryLocked(ep models.Endpoint, state *models.EndpointState) {
	status, ok := state.AppState(models.AppStateStatus)
	if !ok || !models.IsDeadStatus(status.StatusToken()) {
		return
	}
	if expire, ok := models.ParseLeftExpiry(status.Value); ok {
		g.expireTimes[ep] = expire
		log.Debug().Msgf("adding expire time %d for endpoint %s", expire, ep)
	}
}

// applyStateLocally merges a remote state map, endpoint by endpoint,
// following the generation/version reconciliation rules.
func (g *Gossiper) applyStateLocally(states map[models.Endpoint]*models.EndpointState) {
	var notes deferredNotes
	g.mu.Lock()
	for ep, remoteState := range states {
		if ep == g.cfg.Local && !g.inShadowRound {
			continue
		}
		if _, quarantined := g.justRemoved[ep]; quarantined {
			log.Trace().Msgf("ignoring gossip for %s because it is quarantined", ep)
			continue
		}

		localState, known := g.endpointStates[ep]
		if !known {
			g.fd.Report(ep)
			g.handleMajorStateChangeLocked(ep, remoteState, &notes)
			continue
		}

		localGen := localState.Heartbeat().Generation()
		remoteGen := remoteState.Heartbeat().Generation()
		switch {
		case localGen != 0 && int64(remoteGen) > int64(localGen)+maxGenerationDifference:
			log.Warn().Msgf("received an invalid gossip generation for peer %s; local generation = %d, received generation = %d",
				ep, localGen, remoteGen)
		case remoteGen > localGen:
			g.handleMajorStateChangeLocked(ep, remoteState, &notes)
		case remoteGen == localGen:
			localMax := localState.MaxVersion()
			remoteMax := remoteState.MaxVersion()
			if remoteMax > localMax {
				g.applyNewStatesLocked(ep, localState, remoteState, &notes)
			} else {
				log.Trace().Msgf("ignoring remote version %d <= %d for %s", remoteMax, localMax, ep)
			}
			if !localState.IsAlive() && !localState.IsDead() {
				g.markAliveLocked(ep, localState, &notes)
			}
		default:
			log.Trace().Msgf("ignoring remote generation %d < %d for %s", remoteGen, localGen, ep)
		}
	}
	g.mu.Unlock()
	notes.run()
}

// applyNewStatesLocked writes every newer entry first and fires the change
// notifications afterwards, so observers see one consistent snapshot.
func (g *Gossiper) applyNewStatesLocked(ep models.Endpoint, localState, remoteState *models.EndpointState, notes *deferredNotes) {
	localState.SetHeartbeat(remoteState.Heartbeat())
	localState.Touch(g.clock.Nanos())

	remoteEntries := remoteState.AppStates()
	changed := make([]models.ApplicationState, 0, len(remoteEntries))
	for key, remoteValue := range remoteEntries {
		localValue, ok := localState.AppState(key)
		if ok && localValue.Version >= remoteValue.Version {
			continue
		}
		localState.AddAppState(key, remoteValue)
		changed = append(changed, key)
	}
	g.rememberExpiryLocked(ep, localState)
	sort.Slice(changed, func(i, j int) bool {
		return remoteEntries[changed[i]].Version < remoteEntries[changed[j]].Version
	})
	for _, key := range changed {
		key, value := key, remoteEntries[key]
		notes.add(func() { g.bus.NotifyChange(ep, key, value) })
	}
}

// notifyFailureDetector reports arrivals for endpoints whose remote view
// moved forward.
func (g *Gossiper) notifyFailureDetector(states map[models.Endpoint]*models.EndpointState) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for ep, remoteState := range states {
		localState, ok := g.endpointStates[ep]
		if !ok {
			continue
		}
		localGen := localState.Heartbeat().Generation()
		remoteGen := remoteState.Heartbeat().Generation()
		if remoteGen > localGen {
			localState.Touch(g.clock.Nanos())
			if !localState.IsAlive() {
				log.Debug().Msgf("clearing interval times for %s due to generation change", ep)
				g.fd.Remove(ep)
			}
			g.fd.Report(ep)
			continue
		}
		if remoteGen == localGen && remoteState.Heartbeat().Version() > localState.MaxVersion() {
			localState.Touch(g.clock.Nanos())
			g.fd.Report(ep)
		}
	}
}

// ApplyLocalState mutates one of the local node's application states and
// gossips it out on the next round. The version is raised after the
// before-change notifications so a remote update applied meanwhile cannot
// shadow it.
func (g *Gossiper) ApplyLocalState(key models.ApplicationState, value models.VersionedValue) {
	g.mu.RLock()
	localState, ok := g.endpointStates[g.cfg.Local]
	g.mu.RUnlock()
	if !ok {
		log.Error().Msgf("local endpoint state missing, dropping %s update", key)
		return
	}
	g.bus.NotifyBeforeChange(g.cfg.Local, localState, key, value)
	value = g.factory.CloneWithHigherVersion(value)
	g.mu.Lock()
	localState.AddAppState(key, value)
	g.mu.Unlock()
	g.bus.NotifyChange(g.cfg.Local, key, value)
}

func (g *Gossiper) ApplyLocalStates(states map[models.ApplicationState]models.VersionedValue) {
	keys := make([]models.ApplicationState, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		g.ApplyLocalState(key, states[key])
	}
}

// Assassinate force-writes a LEFT status for addr, even for endpoints the
// gossiper never met. It sleeps for ring delay to detect concurrent
// activity, so it must only be called from an operator path.
func (g *Gossiper) Assassinate(addr string) error {
	ep, err := models.ParseEndpoint(addr)
	if err != nil {
		return err
	}
	log.Warn().Msgf("assassinating %s via gossip", ep)

	g.mu.RLock()
	state := g.endpointStates[ep]
	g.mu.RUnlock()

	if state == nil {
		gen := int32((g.clock.UnixMillis() + 60_000) / 1000)
		state = models.NewEndpointState(models.NewHeartbeatStateWithVersion(gen, 9999))
	} else {
		generation := state.Heartbeat().Generation()
		heartbeat := state.Heartbeat().Version()
		log.Info().Msgf("sleeping for %s to ensure %s does not change", g.cfg.ringDelay(), ep)
		time.Sleep(g.cfg.ringDelay())

		g.mu.RLock()
		newState := g.endpointStates[ep]
		g.mu.RUnlock()
		switch {
		case newState == nil:
			log.Warn().Msgf("endpoint %s disappeared while trying to assassinate, continuing anyway", ep)
		case newState.Heartbeat().Generation() != generation:
			return fmt.Errorf("endpoint still alive: %s generation changed while trying to assassinate it", ep)
		case newState.Heartbeat().Version() != heartbeat:
			return fmt.Errorf("endpoint still alive: %s heartbeat changed while trying to assassinate it", ep)
		}
		state.Touch(g.clock.Nanos())
		state.ForceNewerGeneration()
	}

	// expire far enough out that peers honoring it strictly cannot see the
	// endpoint reappear before the ring settles
	expireAt := g.clock.UnixMillis() + 2*g.cfg.ringDelay().Milliseconds()
	state.AddAppState(models.AppStateStatus, g.factory.Left("", expireAt))

	var notes deferredNotes
	g.mu.Lock()
	g.handleMajorStateChangeLocked(ep, state, &notes)
	g.mu.Unlock()
	notes.run()

	time.Sleep(4 * g.cfg.interval())
	log.Warn().Msgf("finished assassinating %s", ep)
	return nil
}

// AddSavedEndpoint seeds a previously known endpoint as dead so gossip can
// rediscover it after a restart.
func (g *Gossiper) AddSavedEndpoint(ep models.Endpoint) {
	if ep == g.cfg.Local {
		log.Debug().Msg("attempt to add self as saved endpoint")
		return
	}
	g.mu.Lock()
	state, ok := g.endpointStates[ep]
	if ok {
		log.Debug().Msgf("reusing existing endpoint state for saved endpoint %s", ep)
		state.SetHeartbeat(models.NewHeartbeatState(0))
	} else {
		state = models.NewEndpointState(models.NewHeartbeatState(0))
		g.endpointStates[ep] = state
	}
	state.MarkDead()
	g.unreachable[ep] = g.clock.Nanos()
	g.mu.Unlock()
}

// DoShadowRound asks the seeds to describe the whole cluster without
// advertising any local state; it blocks until a seed answers or the ring
// delay passes.
func (g *Gossiper) DoShadowRound() error {
	g.mu.Lock()
	g.buildSeedsLocked()
	if g.inShadowRound {
		g.mu.Unlock()
		return fmt.Errorf("shadow round already in progress")
	}
	g.inShadowRound = true
	g.shadowDone = make(chan struct{})
	seeds := setToSlice(g.seeds)
	done := g.shadowDone
	g.mu.Unlock()

	payload, err := (DigestSyn{ClusterID: g.cfg.ClusterName}).Marshal()
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		g.tr.SendOneWay(seed, transport.VerbGossipDigestSyn, payload)
	}
	select {
	case <-done:
		return nil
	case <-time.After(g.cfg.ringDelay()):
		g.mu.Lock()
		g.inShadowRound = false
		g.mu.Unlock()
		return fmt.Errorf("unable to gossip with any seeds")
	}
}

func (g *Gossiper) finishShadowRound() {
	g.mu.Lock()
	if g.inShadowRound {
		g.inShadowRound = false
		close(g.shadowDone)
	}
	g.mu.Unlock()
}
