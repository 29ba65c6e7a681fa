package gossip

import (
	"bytes"
	"io"
	"sort"

	"github.com/quorumdb/cluster/internal/models"
)

// DigestSyn opens a gossip round: the initiator's cluster id and a digest
// for every endpoint it knows. An empty digest list is a shadow round and
// asks the receiver to describe everything.
type DigestSyn struct {
	ClusterID string
	Digests   []Digest
}

func (m DigestSyn) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := models.WriteUTF(&buf, m.ClusterID); err != nil {
		return nil, err
	}
	if err := writeDigestList(&buf, m.Digests); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalDigestSyn(payload []byte) (DigestSyn, error) {
	r := bytes.NewReader(payload)
	clusterID, err := models.ReadUTF(r)
	if err != nil {
		return DigestSyn{}, err
	}
	digests, err := readDigestList(r)
	if err != nil {
		return DigestSyn{}, err
	}
	return DigestSyn{ClusterID: clusterID, Digests: digests}, nil
}

// DigestAck answers a SYN with the digests the receiver still needs and the
// states it already has that the initiator lacks.
type DigestAck struct {
	Digests []Digest
	States  map[models.Endpoint]*models.EndpointState
}

func (m DigestAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeDigestList(&buf, m.Digests); err != nil {
		return nil, err
	}
	if err := writeStateMap(&buf, m.States); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalDigestAck(payload []byte) (DigestAck, error) {
	r := bytes.NewReader(payload)
	digests, err := readDigestList(r)
	if err != nil {
		return DigestAck{}, err
	}
	states, err := readStateMap(r)
	if err != nil {
		return DigestAck{}, err
	}
	return DigestAck{Digests: digests, States: states}, nil
}

// DigestAck2 closes the round with the states the peer requested.
type DigestAck2 struct {
	States map[models.Endpoint]*models.EndpointState
}

func (m DigestAck2) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeStateMap(&buf, m.States); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalDigestAck2(payload []byte) (DigestAck2, error) {
	states, err := readStateMap(bytes.NewReader(payload))
	if err != nil {
		return DigestAck2{}, err
	}
	return DigestAck2{States: states}, nil
}

// State maps go on the wire in endpoint order so repeated serialization is
// bit-identical.
func writeStateMap(w io.Writer, states map[models.Endpoint]*models.EndpointState) error {
	eps := make([]models.Endpoint, 0, len(states))
	for ep := range states {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Less(eps[j]) })

	if err := models.WriteUint32(w, uint32(len(eps))); err != nil {
		return err
	}
	for _, ep := range eps {
		if err := ep.MarshalTo(w); err != nil {
			return err
		}
		if err := states[ep].MarshalTo(w); err != nil {
			return err
		}
	}
	return nil
}

func readStateMap(r io.Reader) (map[models.Endpoint]*models.EndpointState, error) {
	n, err := models.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	states := make(map[models.Endpoint]*models.EndpointState, n)
	for i := uint32(0); i < n; i++ {
		ep, err := models.ReadEndpoint(r)
		if err != nil {
			return nil, err
		}
		state, err := models.ReadEndpointState(r)
		if err != nil {
			return nil, err
		}
		states[ep] = state
	}
	return states, nil
}
