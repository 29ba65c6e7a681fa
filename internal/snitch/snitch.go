package snitch

import (
	"sort"

	"github.com/quorumdb/cluster/internal/models"
)

// Snitch is the proximity oracle: it places endpoints in the topology and
// orders them by closeness to a given node.
type Snitch interface {
	Datacenter(ep models.Endpoint) string
	Rack(ep models.Endpoint) string
	SortByProximity(from models.Endpoint, eps []models.Endpoint)
	CompareEndpoints(target, a, b models.Endpoint) int
	IsWorthMergingForRangeQuery(merged, l1, l2 []models.Endpoint) bool
}

// StateReader answers application-state lookups without the snitch holding a
// gossiper reference; the composition root wires the gossiper in.
type StateReader interface {
	AppStateValue(ep models.Endpoint, key models.ApplicationState) (string, bool)
}

// Static answers topology queries from the local configuration and from the
// DC/RACK application states peers gossip about themselves. Unknown peers
// fall back to the local datacenter and rack.
type Static struct {
	local     models.Endpoint
	localDC   string
	localRack string
	reader    StateReader
}

func NewStatic(local models.Endpoint, dc, rack string, reader StateReader) *Static {
	return &Static{local: local, localDC: dc, localRack: rack, reader: reader}
}

func (s *Static) Datacenter(ep models.Endpoint) string {
	if ep == s.local {
		return s.localDC
	}
	if dc, ok := s.reader.AppStateValue(ep, models.AppStateDC); ok {
		return dc
	}
	return s.localDC
}

func (s *Static) Rack(ep models.Endpoint) string {
	if ep == s.local {
		return s.localRack
	}
	if rack, ok := s.reader.AppStateValue(ep, models.AppStateRack); ok {
		return rack
	}
	return s.localRack
}

// CompareEndpoints prefers the target itself, then rack-mates, then
// DC-mates.
func (s *Static) CompareEndpoints(target, a, b models.Endpoint) int {
	if a == b {
		return 0
	}
	if a == target {
		return -1
	}
	if b == target {
		return 1
	}

	aDC, bDC := s.Datacenter(a), s.Datacenter(b)
	targetDC := s.Datacenter(target)
	if aDC == targetDC && bDC != targetDC {
		return -1
	}
	if bDC == targetDC && aDC != targetDC {
		return 1
	}

	aRack, bRack := s.Rack(a), s.Rack(b)
	targetRack := s.Rack(target)
	if aDC == targetDC && bDC == targetDC {
		if aRack == targetRack && bRack != targetRack {
			return -1
		}
		if bRack == targetRack && aRack != targetRack {
			return 1
		}
	}
	return 0
}

func (s *Static) SortByProximity(from models.Endpoint, eps []models.Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		return s.CompareEndpoints(from, eps[i], eps[j]) < 0
	})
}

func (s *Static) IsWorthMergingForRangeQuery(merged, l1, l2 []models.Endpoint) bool {
	return s.hasRemoteNode(l1) == s.hasRemoteNode(merged) && s.hasRemoteNode(l2) == s.hasRemoteNode(merged)
}

func (s *Static) hasRemoteNode(eps []models.Endpoint) bool {
	for _, ep := range eps {
		if s.localDC != s.Datacenter(ep) {
			return true
		}
	}
	return false
}
