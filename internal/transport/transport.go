package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/quorumdb/cluster/internal/models"
)

// Verb identifies a message kind on the wire. The values are fixed across
// versions.
type Verb int32

const (
	VerbGossipDigestSyn  Verb = 1
	VerbGossipDigestAck  Verb = 2
	VerbGossipDigestAck2 Verb = 3
	VerbGossipShutdown   Verb = 4
	VerbEcho             Verb = 5
	VerbRequestResponse  Verb = 6
)

func (v Verb) String() string {
	switch v {
	case VerbGossipDigestSyn:
		return "GOSSIP_DIGEST_SYN"
	case VerbGossipDigestAck:
		return "GOSSIP_DIGEST_ACK"
	case VerbGossipDigestAck2:
		return "GOSSIP_DIGEST_ACK2"
	case VerbGossipShutdown:
		return "GOSSIP_SHUTDOWN"
	case VerbEcho:
		return "ECHO"
	case VerbRequestResponse:
		return "REQUEST_RESPONSE"
	}
	return fmt.Sprintf("VERB(%d)", int32(v))
}

// protocolMagic guards against a stray client speaking to the gossip port.
const protocolMagic uint32 = 0x51DBC1A5

// Sender is the outbound half the gossiper depends on.
type Sender interface {
	// SendOneWay delivers fire-and-forget; transport failures are retried by
	// the next gossip round, never surfaced.
	SendOneWay(to models.Endpoint, verb Verb, payload []byte)
	// SendWithReply delivers and invokes cb asynchronously with the peer's
	// response payload, or an error on timeout or connection failure.
	SendWithReply(to models.Endpoint, verb Verb, payload []byte, cb func(reply []byte, err error))
}

// Handler consumes one inbound message. reply sends a REQUEST_RESPONSE
// frame correlated to the request; it is valid only for verbs that expect
// one.
type Handler func(from models.Endpoint, payload []byte, reply func(payload []byte))

// LatencySubscriber receives the round-trip time of every completed
// request-response exchange.
type LatencySubscriber interface {
	ReceiveTiming(ep models.Endpoint, latency time.Duration)
}

// frame is the on-wire envelope: magic, verb, correlation id, sender,
// payload length, payload.
type frame struct {
	verb    Verb
	id      int32
	from    models.Endpoint
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, protocolMagic); err != nil {
		return err
	}
	if err := models.WriteInt32(&buf, int32(f.verb)); err != nil {
		return err
	}
	if err := models.WriteInt32(&buf, f.id); err != nil {
		return err
	}
	if err := f.from.MarshalTo(&buf); err != nil {
		return err
	}
	if err := models.WriteUint32(&buf, uint32(len(f.payload))); err != nil {
		return err
	}
	buf.Write(f.payload)
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return frame{}, err
	}
	if magic != protocolMagic {
		return frame{}, fmt.Errorf("protocol magic mismatch: got %#x", magic)
	}
	verb, err := models.ReadInt32(r)
	if err != nil {
		return frame{}, err
	}
	id, err := models.ReadInt32(r)
	if err != nil {
		return frame{}, err
	}
	from, err := models.ReadEndpoint(r)
	if err != nil {
		return frame{}, err
	}
	n, err := models.ReadUint32(r)
	if err != nil {
		return frame{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{verb: Verb(verb), id: id, from: from, payload: payload}, nil
}
