package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumdb/cluster/internal/models"
)

func testState(generation, version int32) *models.EndpointState {
	state := models.NewEndpointState(models.NewHeartbeatStateWithVersion(generation, version))
	state.AddAppState(models.AppStateDC, models.VersionedValue{Value: "east", Version: version + 1})
	state.AddAppState(models.AppStateStatus, models.VersionedValue{Value: "NORMAL,token", Version: version + 2})
	return state
}

func TestDigestSynRoundTrip(t *testing.T) {
	syn := DigestSyn{
		ClusterID: "test-cluster",
		Digests: []Digest{
			{Endpoint: models.Endpoint{Host: "a", Port: 1}, Generation: 10, MaxVersion: 20},
			{Endpoint: models.Endpoint{Host: "b", Port: 2}, Generation: 11, MaxVersion: 0},
		},
	}
	payload, err := syn.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalDigestSyn(payload)
	require.NoError(t, err)
	assert.Equal(t, syn, decoded)

	second, err := decoded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, payload, second)
}

func TestDigestAckRoundTrip(t *testing.T) {
	a := models.Endpoint{Host: "a", Port: 1}
	b := models.Endpoint{Host: "b", Port: 2}
	ack := DigestAck{
		Digests: []Digest{{Endpoint: a, Generation: 5, MaxVersion: 7}},
		States: map[models.Endpoint]*models.EndpointState{
			a: testState(1, 2),
			b: testState(3, 4),
		},
	}
	payload, err := ack.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalDigestAck(payload)
	require.NoError(t, err)

	assert.Equal(t, ack.Digests, decoded.Digests)
	require.Len(t, decoded.States, 2)
	assert.Equal(t, ack.States[a].Heartbeat(), decoded.States[a].Heartbeat())
	assert.Equal(t, ack.States[b].AppStates(), decoded.States[b].AppStates())

	second, err := decoded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, payload, second)
}

func TestDigestAck2RoundTrip(t *testing.T) {
	a := models.Endpoint{Host: "a", Port: 1}
	ack2 := DigestAck2{States: map[models.Endpoint]*models.EndpointState{a: testState(9, 1)}}
	payload, err := ack2.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalDigestAck2(payload)
	require.NoError(t, err)
	assert.Equal(t, ack2.States[a].AppStates(), decoded.States[a].AppStates())
}

func TestUnmarshalRejectsTruncatedPayload(t *testing.T) {
	syn := DigestSyn{ClusterID: "c", Digests: []Digest{{Endpoint: models.Endpoint{Host: "a", Port: 1}}}}
	payload, err := syn.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalDigestSyn(payload[:len(payload)-3])
	require.Error(t, err)
}
