package gossip

import (
	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/transport"
)

// handleSyn partitions the remote digests into request/send cases and
// answers with an ACK.
func (g *Gossiper) handleSyn(from models.Endpoint, payload []byte, _ func([]byte)) {
	syn, err := UnmarshalDigestSyn(payload)
	if err != nil {
		log.Warn().Err(err).Msgf("dropping malformed gossip digest syn from %s", from)
		return
	}
	if syn.ClusterID != g.cfg.ClusterName {
		log.Warn().Msgf("cluster id mismatch from %s: %q != %q, dropping", from, syn.ClusterID, g.cfg.ClusterName)
		return
	}

	digests := syn.Digests
	if len(digests) == 0 {
		// a completely empty syn is a shadow round: a zero-generation digest
		// per known endpoint makes examine send the sender its full state
		log.Debug().Msgf("shadow round request received from %s", from)
		g.mu.RLock()
		for ep := range g.endpointStates {
			digests = append(digests, Digest{Endpoint: ep})
		}
		g.mu.RUnlock()
	}

	deltaDigests, deltaStates := g.examine(digests)
	ackPayload, err := (DigestAck{Digests: deltaDigests, States: deltaStates}).Marshal()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode gossip digest ack")
		return
	}
	g.tr.SendOneWay(from, transport.VerbGossipDigestAck, ackPayload)
}

// examine figures out, per digest, which side is behind: digests we must
// request from the sender and states the sender is missing.
func (g *Gossiper) examine(digests []Digest) ([]Digest, map[models.Endpoint]*models.EndpointState) {
	deltaDigests := make([]Digest, 0)
	deltaStates := make(map[models.Endpoint]*models.EndpointState)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, digest := range digests {
		localState, known := g.endpointStates[digest.Endpoint]
		if !known {
			// nothing local, request everything
			deltaDigests = append(deltaDigests, Digest{Endpoint: digest.Endpoint, Generation: digest.Generation})
			continue
		}
		localGen := localState.Heartbeat().Generation()
		localMax := localState.MaxVersion()
		switch {
		case digest.Generation == localGen && digest.MaxVersion == localMax:
			// in sync
		case digest.Generation > localGen:
			deltaDigests = append(deltaDigests, Digest{Endpoint: digest.Endpoint, Generation: digest.Generation})
		case digest.Generation < localGen:
			g.sendAllLocked(digest.Endpoint, deltaStates, 0)
		case digest.MaxVersion > localMax:
			deltaDigests = append(deltaDigests, Digest{Endpoint: digest.Endpoint, Generation: digest.Generation, MaxVersion: localMax})
		case digest.MaxVersion < localMax:
			g.sendAllLocked(digest.Endpoint, deltaStates, digest.MaxVersion)
		}
	}
	return deltaDigests, deltaStates
}

func (g *Gossiper) sendAllLocked(ep models.Endpoint, deltaStates map[models.Endpoint]*models.EndpointState, maxRemoteVersion int32) {
	if state := g.stateForVersionAboveLocked(ep, maxRemoteVersion); state != nil {
		deltaStates[ep] = state
	}
}

// stateForVersionAboveLocked copies the parts of ep's state newer than
// version. The heartbeat may ride along even when stale; the receiver
// discards it.
func (g *Gossiper) stateForVersionAboveLocked(ep models.Endpoint, version int32) *models.EndpointState {
	localState, ok := g.endpointStates[ep]
	if !ok {
		return nil
	}
	var result *models.EndpointState
	hb := localState.Heartbeat()
	if hb.Version() > version {
		result = models.NewEndpointState(hb)
	}
	for key, value := range localState.AppStates() {
		if value.Version <= version {
			continue
		}
		if result == nil {
			result = models.NewEndpointState(hb)
		}
		result.AddAppState(key, value)
	}
	return result
}

// handleAck applies the states the peer sent and answers with the concrete
// states it requested.
func (g *Gossiper) handleAck(from models.Endpoint, payload []byte, _ func([]byte)) {
	ack, err := UnmarshalDigestAck(payload)
	if err != nil {
		log.Warn().Err(err).Msgf("dropping malformed gossip digest ack from %s", from)
		return
	}

	g.mu.RLock()
	shadow := g.inShadowRound
	g.mu.RUnlock()
	if shadow {
		log.Debug().Msgf("finishing shadow round with %s", from)
		g.applyStateLocally(ack.States)
		g.finishShadowRound()
		return
	}

	if len(ack.States) > 0 {
		g.notifyFailureDetector(ack.States)
		g.applyStateLocally(ack.States)
	}

	deltaStates := make(map[models.Endpoint]*models.EndpointState, len(ack.Digests))
	g.mu.RLock()
	for _, digest := range ack.Digests {
		if state := g.stateForVersionAboveLocked(digest.Endpoint, digest.MaxVersion); state != nil {
			deltaStates[digest.Endpoint] = state
		}
	}
	g.mu.RUnlock()

	ack2Payload, err := (DigestAck2{States: deltaStates}).Marshal()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode gossip digest ack2")
		return
	}
	g.tr.SendOneWay(from, transport.VerbGossipDigestAck2, ack2Payload)
}

// handleAck2 closes the round by applying the requested states.
func (g *Gossiper) handleAck2(from models.Endpoint, payload []byte, _ func([]byte)) {
	ack2, err := UnmarshalDigestAck2(payload)
	if err != nil {
		log.Warn().Err(err).Msgf("dropping malformed gossip digest ack2 from %s", from)
		return
	}
	g.notifyFailureDetector(ack2.States)
	g.applyStateLocally(ack2.States)
}

// handleShutdown marks the announcing peer down immediately.
func (g *Gossiper) handleShutdown(from models.Endpoint, _ []byte, _ func([]byte)) {
	var notes deferredNotes
	g.mu.Lock()
	state, ok := g.endpointStates[from]
	if ok && state.IsAlive() {
		log.Info().Msgf("%s announced shutdown", from)
		g.markDeadLocked(from, state, &notes)
	}
	g.mu.Unlock()
	notes.run()
}

func (g *Gossiper) handleEcho(from models.Endpoint, _ []byte, reply func([]byte)) {
	log.Trace().Msgf("sending echo reply to %s", from)
	reply(nil)
}
