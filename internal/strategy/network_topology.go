package strategy

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/topology"
)

// NetworkTopology places a configured number of replicas in each datacenter,
// spreading across distinct racks before reusing one.
type NetworkTopology struct {
	datacenters map[string]int
	total       int
}

// NewNetworkTopology parses {datacenter: replication factor} options. The
// key "replication_factor" belongs to the simple strategy and is rejected.
func NewNetworkTopology(options map[string]string) (*NetworkTopology, error) {
	datacenters := make(map[string]int, len(options))
	total := 0
	for dc, value := range options {
		if dc == "replication_factor" {
			return nil, fmt.Errorf("replication_factor is not an option for the network-topology strategy; configure per-datacenter factors")
		}
		rf, err := parseReplicationFactor(value)
		if err != nil {
			return nil, fmt.Errorf("datacenter %q: %w", dc, err)
		}
		datacenters[dc] = rf
		total += rf
	}
	log.Debug().Msgf("configured datacenter replicas: %v", datacenters)
	return &NetworkTopology{datacenters: datacenters, total: total}, nil
}

func (s *NetworkTopology) ReplicationFactor() int {
	return s.total
}

func (s *NetworkTopology) replicationFactorFor(dc string) int {
	return s.datacenters[dc]
}

// CalculateReplicas walks the sorted host ids once, tracking progress per
// datacenter and rack. Endpoints in already-seen racks are parked in a
// per-DC skipped queue and drained, in insertion order, once every rack of
// that DC has been seen. When the pass comes up short and old replicas
// exist, they are reconsidered so rolling topology changes keep their data.
func (s *NetworkTopology) CalculateReplicas(snap topology.Snapshot, oldReplicas, candidates map[models.Endpoint]struct{}, includeOld bool) []models.Endpoint {
	replicas := make([]models.Endpoint, 0, s.total)
	taken := make(map[models.Endpoint]struct{}, s.total)

	totalReplicas := s.total
	if includeOld {
		totalReplicas -= len(oldReplicas)
	}

	dcReplicas := make(map[string]int, len(s.datacenters))
	seenRacks := make(map[string]map[string]struct{}, len(s.datacenters))
	skipped := make(map[string][]models.Endpoint, len(s.datacenters))
	for dc := range s.datacenters {
		seenRacks[dc] = make(map[string]struct{})
	}

	sufficient := func(dc string) bool {
		want := s.replicationFactorFor(dc)
		if have := snap.DCEndpoints[dc]; have < want {
			want = have
		}
		return dcReplicas[dc] >= want
	}
	allSufficient := func() bool {
		for dc := range s.datacenters {
			if !sufficient(dc) {
				return false
			}
		}
		return true
	}
	accept := func(dc string, ep models.Endpoint) {
		if _, dup := taken[ep]; dup {
			return
		}
		taken[ep] = struct{}{}
		replicas = append(replicas, ep)
		dcReplicas[dc]++
	}

	for _, hostID := range snap.SortedHostIDs {
		if allSufficient() {
			break
		}
		ep := snap.HostIDs[hostID]
		if _, ok := candidates[ep]; !ok {
			continue
		}
		if _, ok := oldReplicas[ep]; ok {
			continue
		}
		loc, ok := snap.Locations[ep]
		if !ok {
			continue
		}
		dc := loc.Datacenter
		if _, configured := s.datacenters[dc]; !configured || sufficient(dc) {
			continue
		}
		if len(seenRacks[dc]) == snap.DCRackCounts[dc] {
			// all racks covered, rack uniqueness no longer constrains us
			accept(dc, ep)
			continue
		}
		if _, seen := seenRacks[dc][loc.Rack]; seen {
			skipped[dc] = append(skipped[dc], ep)
			continue
		}
		accept(dc, ep)
		seenRacks[dc][loc.Rack] = struct{}{}
		if len(seenRacks[dc]) == snap.DCRackCounts[dc] {
			for _, parked := range skipped[dc] {
				if sufficient(dc) {
					break
				}
				accept(dc, parked)
			}
		}
	}

	if len(oldReplicas) > 0 && len(replicas) < totalReplicas {
		topUp := s.CalculateReplicas(snap, map[models.Endpoint]struct{}{}, oldReplicas, includeOld)
		for _, ep := range topUp {
			if len(replicas) >= totalReplicas {
				break
			}
			if _, dup := taken[ep]; !dup {
				taken[ep] = struct{}{}
				replicas = append(replicas, ep)
			}
		}
	}

	return replicas
}
