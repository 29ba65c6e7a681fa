package strategy

import (
	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/topology"
)

// Local keeps every range on the local endpoint only.
type Local struct {
	local models.Endpoint
}

func NewLocal(local models.Endpoint) *Local {
	return &Local{local: local}
}

func (s *Local) ReplicationFactor() int {
	return 1
}

func (s *Local) CalculateReplicas(topology.Snapshot, map[models.Endpoint]struct{}, map[models.Endpoint]struct{}, bool) []models.Endpoint {
	return []models.Endpoint{s.local}
}
