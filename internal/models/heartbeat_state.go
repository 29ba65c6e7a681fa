package models

import (
	"fmt"
	"io"
)

// HeartbeatState is the (generation, version) pair gossiped for an endpoint.
// The generation is fixed for a process lifetime; the version moves with the
// process-wide counter on every heartbeat bump.
type HeartbeatState struct {
	generation int32
	version    int32
}

func NewHeartbeatState(generation int32) HeartbeatState {
	return HeartbeatState{generation: generation}
}

func NewHeartbeatStateWithVersion(generation, version int32) HeartbeatState {
	return HeartbeatState{generation: generation, version: version}
}

func (h HeartbeatState) Generation() int32 {
	return h.generation
}

func (h HeartbeatState) Version() int32 {
	return h.version
}

func (h *HeartbeatState) UpdateHeartbeat(gen *VersionGenerator) {
	h.version = gen.NextVersion()
}

// ForceNewerGeneration fakes a restart of the endpoint; only the assassinate
// path uses it.
func (h *HeartbeatState) ForceNewerGeneration() {
	h.generation++
}

func (h HeartbeatState) String() string {
	return fmt.Sprintf("HeartbeatState[generation=%d, version=%d]", h.generation, h.version)
}

func (h HeartbeatState) MarshalTo(w io.Writer) error {
	if err := WriteInt32(w, h.generation); err != nil {
		return err
	}
	return WriteInt32(w, h.version)
}

func ReadHeartbeatState(r io.Reader) (HeartbeatState, error) {
	generation, err := ReadInt32(r)
	if err != nil {
		return HeartbeatState{}, err
	}
	version, err := ReadInt32(r)
	if err != nil {
		return HeartbeatState{}, err
	}
	return HeartbeatState{generation: generation, version: version}, nil
}
