package gossip

import (
	"fmt"
	"io"

	"github.com/quorumdb/cluster/internal/models"
)

// Digest summarizes what this node knows about one endpoint: its generation
// and the largest version across heartbeat and application states. The
// anti-entropy exchange reconciles maps by comparing digests before moving
// any state.
type Digest struct {
	Endpoint   models.Endpoint
	Generation int32
	MaxVersion int32
}

func (d Digest) String() string {
	return fmt.Sprintf("%s:%d:%d", d.Endpoint, d.Generation, d.MaxVersion)
}

func (d Digest) MarshalTo(w io.Writer) error {
	if err := d.Endpoint.MarshalTo(w); err != nil {
		return err
	}
	if err := models.WriteInt32(w, d.Generation); err != nil {
		return err
	}
	return models.WriteInt32(w, d.MaxVersion)
}

func ReadDigest(r io.Reader) (Digest, error) {
	ep, err := models.ReadEndpoint(r)
	if err != nil {
		return Digest{}, err
	}
	generation, err := models.ReadInt32(r)
	if err != nil {
		return Digest{}, err
	}
	maxVersion, err := models.ReadInt32(r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Endpoint: ep, Generation: generation, MaxVersion: maxVersion}, nil
}

func writeDigestList(w io.Writer, digests []Digest) error {
	if err := models.WriteUint32(w, uint32(len(digests))); err != nil {
		return err
	}
	for _, d := range digests {
		if err := d.MarshalTo(w); err != nil {
			return err
		}
	}
	return nil
}

func readDigestList(r io.Reader) ([]Digest, error) {
	n, err := models.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	digests := make([]Digest, 0, n)
	for i := uint32(0); i < n; i++ {
		d, err := ReadDigest(r)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}
