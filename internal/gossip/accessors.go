package gossip

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

// LiveMembers includes the local endpoint even before the first round.
func (g *Gossiper) LiveMembers() []models.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]models.Endpoint, 0, len(g.live)+1)
	for ep := range g.live {
		members = append(members, ep)
	}
	if _, ok := g.live[g.cfg.Local]; !ok {
		members = append(members, g.cfg.Local)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	return members
}

// UnreachableMembers lists dead gossip participants, fat clients included.
func (g *Gossiper) UnreachableMembers() []models.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]models.Endpoint, 0, len(g.unreachable))
	for ep := range g.unreachable {
		members = append(members, ep)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	return members
}

func (g *Gossiper) IsKnownEndpoint(ep models.Endpoint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.endpointStates[ep]
	return ok
}

func (g *Gossiper) IsAlive(ep models.Endpoint) bool {
	if ep == g.cfg.Local {
		return true
	}
	g.mu.RLock()
	state, ok := g.endpointStates[ep]
	g.mu.RUnlock()
	if !ok {
		log.Error().Msgf("unknown endpoint %s", ep)
		return false
	}
	return state.IsAlive()
}

// EndpointState returns the live state object for ep, or nil. Callers get
// read access only; mutation stays on the gossip path.
func (g *Gossiper) EndpointState(ep models.Endpoint) *models.EndpointState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.endpointStates[ep]
}

// AppStateValue implements the state lookups the snitch layer needs.
func (g *Gossiper) AppStateValue(ep models.Endpoint, key models.ApplicationState) (string, bool) {
	g.mu.RLock()
	state, ok := g.endpointStates[ep]
	g.mu.RUnlock()
	if !ok {
		return "", false
	}
	value, ok := state.AppState(key)
	if !ok {
		return "", false
	}
	return value.Value, true
}

// EndpointDowntime is how long ep has been unreachable, zero when it is not.
func (g *Gossiper) EndpointDowntime(ep models.Endpoint) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if since, ok := g.unreachable[ep]; ok {
		return time.Duration(g.clock.Nanos() - since)
	}
	return 0
}

func (g *Gossiper) CurrentGeneration(ep models.Endpoint) (int32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state, ok := g.endpointStates[ep]
	if !ok {
		return 0, fmt.Errorf("unknown endpoint %s", ep)
	}
	return state.Heartbeat().Generation(), nil
}

// CompareEndpointStartup orders two endpoints by which process started
// earlier.
func (g *Gossiper) CompareEndpointStartup(a, b models.Endpoint) (int, error) {
	genA, err := g.CurrentGeneration(a)
	if err != nil {
		return 0, err
	}
	genB, err := g.CurrentGeneration(b)
	if err != nil {
		return 0, err
	}
	return int(genA - genB), nil
}

func (g *Gossiper) HostID(ep models.Endpoint) (string, bool) {
	return g.AppStateValue(ep, models.AppStateHostID)
}

func (g *Gossiper) Load(ep models.Endpoint) (string, bool) {
	return g.AppStateValue(ep, models.AppStateLoad)
}

// SimpleStates renders every known endpoint as UP or DOWN.
func (g *Gossiper) SimpleStates() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states := make(map[string]string, len(g.endpointStates))
	for ep, state := range g.endpointStates {
		if state.IsAlive() {
			states[ep.String()] = "UP"
		} else {
			states[ep.String()] = "DOWN"
		}
	}
	return states
}

func (g *Gossiper) UpEndpointCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, state := range g.endpointStates {
		if state.IsAlive() {
			count++
		}
	}
	return count
}

func (g *Gossiper) DownEndpointCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, state := range g.endpointStates {
		if !state.IsAlive() {
			count++
		}
	}
	return count
}

// AllEndpointStates renders the full state map for operators.
func (g *Gossiper) AllEndpointStates() string {
	g.mu.RLock()
	eps := make([]models.Endpoint, 0, len(g.endpointStates))
	for ep := range g.endpointStates {
		eps = append(eps, ep)
	}
	states := make(map[models.Endpoint]*models.EndpointState, len(g.endpointStates))
	for ep, state := range g.endpointStates {
		states[ep] = state
	}
	g.mu.RUnlock()

	sort.Slice(eps, func(i, j int) bool { return eps[i].Less(eps[j]) })
	var sb strings.Builder
	for _, ep := range eps {
		state := states[ep]
		fmt.Fprintf(&sb, "%s\n", ep)
		hb := state.Heartbeat()
		fmt.Fprintf(&sb, "  generation:%d\n", hb.Generation())
		fmt.Fprintf(&sb, "  heartbeat:%d\n", hb.Version())
		entries := state.AppStates()
		keys := make([]models.ApplicationState, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			fmt.Fprintf(&sb, "  %s:%s\n", key, entries[key].Value)
		}
	}
	return sb.String()
}
