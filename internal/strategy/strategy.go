package strategy

import (
	"fmt"
	"strconv"

	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/topology"
)

// Strategy computes the ordered replica set for a data range. Insertion
// order is significant: the first endpoint returned is the primary.
type Strategy interface {
	ReplicationFactor() int
	CalculateReplicas(snap topology.Snapshot, oldReplicas, candidates map[models.Endpoint]struct{}, includeOld bool) []models.Endpoint
}

const (
	NameLocal           = "local"
	NameNetworkTopology = "network_topology"
)

// New builds a strategy from its configured name and options. Option errors
// are fatal at startup.
func New(name string, localEndpoint models.Endpoint, options map[string]string) (Strategy, error) {
	switch name {
	case NameLocal:
		if len(options) > 0 {
			return nil, fmt.Errorf("local strategy takes no options, got %v", options)
		}
		return NewLocal(localEndpoint), nil
	case NameNetworkTopology:
		return NewNetworkTopology(options)
	default:
		return nil, fmt.Errorf("unknown replication strategy %q", name)
	}
}

// EndpointSet builds the set form the calculate step consumes.
func EndpointSet(eps ...models.Endpoint) map[models.Endpoint]struct{} {
	set := make(map[models.Endpoint]struct{}, len(eps))
	for _, ep := range eps {
		set[ep] = struct{}{}
	}
	return set
}

func parseReplicationFactor(value string) (int, error) {
	rf, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse replication factor %q: %w", value, err)
	}
	if rf < 0 {
		return 0, fmt.Errorf("replication factor must be non-negative, got %d", rf)
	}
	return rf, nil
}
