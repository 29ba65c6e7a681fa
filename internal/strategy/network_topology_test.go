package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/cluster/internal/models"
	"github.com/quorumdb/cluster/internal/topology"
)

func ep(host string) models.Endpoint {
	return models.Endpoint{Host: host, Port: 7000}
}

type member struct {
	hostID string
	ep     models.Endpoint
	dc     string
	rack   string
}

func buildSnapshot(members []member) topology.Snapshot {
	meta := topology.NewMetadata()
	for _, m := range members {
		meta.AddMember(m.ep, m.hostID, topology.Location{Datacenter: m.dc, Rack: m.rack})
	}
	return meta.Snapshot()
}

func candidatesOf(members []member) map[models.Endpoint]struct{} {
	eps := make([]models.Endpoint, 0, len(members))
	for _, m := range members {
		eps = append(eps, m.ep)
	}
	return EndpointSet(eps...)
}

func TestRejectsReplicationFactorOption(t *testing.T) {
	_, err := NewNetworkTopology(map[string]string{"replication_factor": "3"})
	require.Error(t, err)
}

func TestRejectsMalformedFactor(t *testing.T) {
	_, err := NewNetworkTopology(map[string]string{"east": "three"})
	require.Error(t, err)
	_, err = NewNetworkTopology(map[string]string{"east": "-1"})
	require.Error(t, err)
}

func TestTotalReplicationFactor(t *testing.T) {
	s, err := NewNetworkTopology(map[string]string{"east": "3", "west": "2"})
	require.NoError(t, err)
	assert.Equal(t, 5, s.ReplicationFactor())
}

// One node per rack: each rack contributes exactly one replica, in
// sorted-host-id order.
func TestSingleRackPlacement(t *testing.T) {
	members := []member{
		{"id-1", ep("n1"), "east", "r1"},
		{"id-2", ep("n2"), "east", "r2"},
		{"id-3", ep("n3"), "east", "r3"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "3"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	assert.Equal(t, []models.Endpoint{ep("n1"), ep("n2"), ep("n3")}, replicas)
}

// Two racks for RF 3: after r2 is covered the first skipped endpoint of r1
// is drained.
func TestRackExhaustionDrainsSkipped(t *testing.T) {
	members := []member{
		{"id-1", ep("n1"), "east", "r1"},
		{"id-2", ep("n2"), "east", "r1"},
		{"id-3", ep("n3"), "east", "r1"},
		{"id-4", ep("n4"), "east", "r2"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "3"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	assert.Equal(t, []models.Endpoint{ep("n1"), ep("n4"), ep("n2")}, replicas)
}

func TestNeverExceedsDatacenterFactorAndNoDuplicates(t *testing.T) {
	members := []member{
		{"id-1", ep("e1"), "east", "r1"},
		{"id-2", ep("e2"), "east", "r2"},
		{"id-3", ep("e3"), "east", "r1"},
		{"id-4", ep("w1"), "west", "r1"},
		{"id-5", ep("w2"), "west", "r2"},
		{"id-6", ep("w3"), "west", "r3"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "2", "west": "1"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	require.Len(t, replicas, 3)

	seen := make(map[models.Endpoint]int)
	east, west := 0, 0
	for _, r := range replicas {
		seen[r]++
		switch r.Host[0] {
		case 'e':
			east++
		case 'w':
			west++
		}
	}
	for r, count := range seen {
		assert.Equal(t, 1, count, "%s appeared more than once", r)
	}
	assert.Equal(t, 2, east)
	assert.Equal(t, 1, west)
}

// A datacenter with fewer live endpoints than its factor yields a
// best-effort subset, never an error.
func TestBestEffortWhenUnderProvisioned(t *testing.T) {
	members := []member{
		{"id-1", ep("n1"), "east", "r1"},
		{"id-2", ep("n2"), "east", "r2"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "3", "west": "2"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	assert.Equal(t, []models.Endpoint{ep("n1"), ep("n2")}, replicas)
}

func TestUnconfiguredDatacenterIsSkipped(t *testing.T) {
	members := []member{
		{"id-1", ep("n1"), "east", "r1"},
		{"id-2", ep("n2"), "arctic", "r1"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "1"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	assert.Equal(t, []models.Endpoint{ep("n1")}, replicas)
}

// Old replicas are excluded from the first pass but reconsidered when the
// pass comes up short, so rolling changes keep data where it already lives.
func TestOldReplicasTopUp(t *testing.T) {
	members := []member{
		{"id-1", ep("n1"), "east", "r1"},
		{"id-2", ep("n2"), "east", "r2"},
		{"id-3", ep("n3"), "east", "r3"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "3"})
	require.NoError(t, err)

	old := EndpointSet(ep("n2"))
	replicas := s.CalculateReplicas(buildSnapshot(members), old, candidatesOf(members), false)
	require.Len(t, replicas, 3)
	assert.Equal(t, []models.Endpoint{ep("n1"), ep("n3"), ep("n2")}, replicas)
}

func TestPrimaryIsFirstAccepted(t *testing.T) {
	members := []member{
		{"id-2", ep("n2"), "east", "r2"},
		{"id-1", ep("n1"), "east", "r1"},
	}
	s, err := NewNetworkTopology(map[string]string{"east": "1"})
	require.NoError(t, err)

	replicas := s.CalculateReplicas(buildSnapshot(members), EndpointSet(), candidatesOf(members), false)
	require.NotEmpty(t, replicas)
	assert.Equal(t, ep("n1"), replicas[0], "sorted host id order decides the primary")
}

func TestLocalStrategy(t *testing.T) {
	local := ep("me")
	s := NewLocal(local)
	assert.Equal(t, 1, s.ReplicationFactor())
	replicas := s.CalculateReplicas(topology.Snapshot{}, nil, nil, false)
	assert.Equal(t, []models.Endpoint{local}, replicas)
}

func TestStrategyFactory(t *testing.T) {
	local := ep("me")
	_, err := New("simple", local, nil)
	require.Error(t, err)

	_, err = New(NameLocal, local, map[string]string{"east": "1"})
	require.Error(t, err)

	s, err := New(NameNetworkTopology, local, map[string]string{"east": "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.ReplicationFactor())
}
