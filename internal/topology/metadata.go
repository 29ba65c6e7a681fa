package topology

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

// Location places an endpoint in the cluster topology.
type Location struct {
	Datacenter string
	Rack       string
}

// Metadata is the cluster-wide map of endpoint → (datacenter, rack) and
// host-id → endpoint, with derived per-DC and per-rack indexes. It is
// mutated by failure-event subscribers as members join and leave; every
// query answers from one consistent snapshot under the lock.
type Metadata struct {
	mu sync.RWMutex

	locations      map[models.Endpoint]Location
	hostIDs        map[string]models.Endpoint
	endpointHostID map[models.Endpoint]string

	dcEndpoints map[string]map[models.Endpoint]struct{}
	dcRacks     map[string]map[string]map[models.Endpoint]struct{}
}

func NewMetadata() *Metadata {
	return &Metadata{
		locations:      make(map[models.Endpoint]Location),
		hostIDs:        make(map[string]models.Endpoint),
		endpointHostID: make(map[models.Endpoint]string),
		dcEndpoints:    make(map[string]map[models.Endpoint]struct{}),
		dcRacks:        make(map[string]map[string]map[models.Endpoint]struct{}),
	}
}

// AddMember registers or re-registers an endpoint. A host id already bound
// to a different endpoint moves to the new one (address change on restart).
func (m *Metadata) AddMember(ep models.Endpoint, hostID string, loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.hostIDs[hostID]; ok && old != ep {
		log.Info().Msgf("host id %s moved from %s to %s", hostID, old, ep)
		m.removeLocked(old)
	}
	m.removeLocked(ep)

	m.locations[ep] = loc
	m.hostIDs[hostID] = ep
	m.endpointHostID[ep] = hostID

	if m.dcEndpoints[loc.Datacenter] == nil {
		m.dcEndpoints[loc.Datacenter] = make(map[models.Endpoint]struct{})
	}
	m.dcEndpoints[loc.Datacenter][ep] = struct{}{}

	if m.dcRacks[loc.Datacenter] == nil {
		m.dcRacks[loc.Datacenter] = make(map[string]map[models.Endpoint]struct{})
	}
	if m.dcRacks[loc.Datacenter][loc.Rack] == nil {
		m.dcRacks[loc.Datacenter][loc.Rack] = make(map[models.Endpoint]struct{})
	}
	m.dcRacks[loc.Datacenter][loc.Rack][ep] = struct{}{}
}

func (m *Metadata) RemoveMember(ep models.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(ep)
}

func (m *Metadata) removeLocked(ep models.Endpoint) {
	loc, ok := m.locations[ep]
	if !ok {
		return
	}
	delete(m.locations, ep)
	if hostID, ok := m.endpointHostID[ep]; ok {
		delete(m.endpointHostID, ep)
		if m.hostIDs[hostID] == ep {
			delete(m.hostIDs, hostID)
		}
	}
	if eps := m.dcEndpoints[loc.Datacenter]; eps != nil {
		delete(eps, ep)
		if len(eps) == 0 {
			delete(m.dcEndpoints, loc.Datacenter)
		}
	}
	if racks := m.dcRacks[loc.Datacenter]; racks != nil {
		if eps := racks[loc.Rack]; eps != nil {
			delete(eps, ep)
			if len(eps) == 0 {
				delete(racks, loc.Rack)
			}
		}
		if len(racks) == 0 {
			delete(m.dcRacks, loc.Datacenter)
		}
	}
}

func (m *Metadata) IsMember(ep models.Endpoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locations[ep]
	return ok
}

func (m *Metadata) DatacenterOf(ep models.Endpoint) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[ep]
	return loc.Datacenter, ok
}

func (m *Metadata) RackOf(ep models.Endpoint) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[ep]
	return loc.Rack, ok
}

func (m *Metadata) EndpointsIn(dc string) []models.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eps := make([]models.Endpoint, 0, len(m.dcEndpoints[dc]))
	for ep := range m.dcEndpoints[dc] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Less(eps[j]) })
	return eps
}

func (m *Metadata) RacksIn(dc string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	racks := make([]string, 0, len(m.dcRacks[dc]))
	for rack := range m.dcRacks[dc] {
		racks = append(racks, rack)
	}
	sort.Strings(racks)
	return racks
}

func (m *Metadata) EndpointForHostID(hostID string) (models.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.hostIDs[hostID]
	return ep, ok
}

func (m *Metadata) HostIDOf(ep models.Endpoint) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hostID, ok := m.endpointHostID[ep]
	return hostID, ok
}

func (m *Metadata) SortedHostIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.hostIDs))
	for id := range m.hostIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the whole topology for callers that must iterate without
// holding the lock, such as a replica-placement pass.
type Snapshot struct {
	Locations     map[models.Endpoint]Location
	SortedHostIDs []string
	HostIDs       map[string]models.Endpoint
	DCEndpoints   map[string]int
	DCRackCounts  map[string]int
}

func (m *Metadata) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Locations:    make(map[models.Endpoint]Location, len(m.locations)),
		HostIDs:      make(map[string]models.Endpoint, len(m.hostIDs)),
		DCEndpoints:  make(map[string]int, len(m.dcEndpoints)),
		DCRackCounts: make(map[string]int, len(m.dcRacks)),
	}
	for ep, loc := range m.locations {
		snap.Locations[ep] = loc
	}
	for id, ep := range m.hostIDs {
		snap.HostIDs[id] = ep
		snap.SortedHostIDs = append(snap.SortedHostIDs, id)
	}
	sort.Strings(snap.SortedHostIDs)
	for dc, eps := range m.dcEndpoints {
		snap.DCEndpoints[dc] = len(eps)
	}
	for dc, racks := range m.dcRacks {
		snap.DCRackCounts[dc] = len(racks)
	}
	return snap
}

// MemberCount reports the number of ring members known to the topology.
func (m *Metadata) MemberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locations)
}
