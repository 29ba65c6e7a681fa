package models

import (
	"io"
	"sort"
	"sync"
)

// EndpointState is everything this node believes about one endpoint: the
// heartbeat, the application-state map, a liveness flag and the monotonic
// timestamp of the last touch. Mutations happen only on the gossip path (one
// writer); accessors copy so readers never observe a torn state.
type EndpointState struct {
	mu sync.RWMutex

	heartbeat HeartbeatState
	appStates map[ApplicationState]VersionedValue

	alive           bool
	updateTimestamp int64
}

func NewEndpointState(hb HeartbeatState) *EndpointState {
	return &EndpointState{
		heartbeat: hb,
		appStates: make(map[ApplicationState]VersionedValue),
		alive:     true,
	}
}

func (s *EndpointState) Heartbeat() HeartbeatState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeat
}

func (s *EndpointState) SetHeartbeat(hb HeartbeatState) {
	s.mu.Lock()
	s.heartbeat = hb
	s.mu.Unlock()
}

func (s *EndpointState) UpdateHeartbeat(gen *VersionGenerator) {
	s.mu.Lock()
	s.heartbeat.UpdateHeartbeat(gen)
	s.mu.Unlock()
}

func (s *EndpointState) ForceNewerGeneration() {
	s.mu.Lock()
	s.heartbeat.ForceNewerGeneration()
	s.mu.Unlock()
}

func (s *EndpointState) AppState(key ApplicationState) (VersionedValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.appStates[key]
	return v, ok
}

func (s *EndpointState) AddAppState(key ApplicationState, value VersionedValue) {
	s.mu.Lock()
	s.appStates[key] = value
	s.mu.Unlock()
}

// AppStates returns a copy of the application-state map.
func (s *EndpointState) AppStates() map[ApplicationState]VersionedValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ApplicationState]VersionedValue, len(s.appStates))
	for k, v := range s.appStates {
		out[k] = v
	}
	return out
}

// MaxVersion is the greatest of the heartbeat version and every
// application-state version.
func (s *EndpointState) MaxVersion() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := s.heartbeat.version
	for _, v := range s.appStates {
		if v.Version > max {
			max = v.Version
		}
	}
	return max
}

func (s *EndpointState) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

func (s *EndpointState) MarkAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

func (s *EndpointState) MarkDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// Touch records the monotonic time of the last update so the eviction path
// can measure silence.
func (s *EndpointState) Touch(nowNanos int64) {
	s.mu.Lock()
	s.updateTimestamp = nowNanos
	s.mu.Unlock()
}

func (s *EndpointState) UpdateTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateTimestamp
}

// IsDead reports whether the STATUS entry carries a dead token; the liveness
// flag does not matter here.
func (s *EndpointState) IsDead() bool {
	status, ok := s.AppState(AppStateStatus)
	if !ok {
		return false
	}
	return IsDeadStatus(status.StatusToken())
}

// StatusToken returns the endpoint's current lifecycle token, or "" when no
// STATUS entry exists yet.
func (s *EndpointState) StatusToken() string {
	status, ok := s.AppState(AppStateStatus)
	if !ok {
		return ""
	}
	return status.StatusToken()
}

// MarshalTo writes the wire form: heartbeat, entry count, then the entries in
// ascending key order so repeated serialization is bit-identical.
func (s *EndpointState) MarshalTo(w io.Writer) error {
	s.mu.RLock()
	hb := s.heartbeat
	keys := make([]ApplicationState, 0, len(s.appStates))
	for k := range s.appStates {
		keys = append(keys, k)
	}
	entries := make(map[ApplicationState]VersionedValue, len(s.appStates))
	for k, v := range s.appStates {
		entries[k] = v
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if err := hb.MarshalTo(w); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := WriteInt32(w, int32(k)); err != nil {
			return err
		}
		if err := entries[k].MarshalTo(w); err != nil {
			return err
		}
	}
	return nil
}

func ReadEndpointState(r io.Reader) (*EndpointState, error) {
	hb, err := ReadHeartbeatState(r)
	if err != nil {
		return nil, err
	}
	count, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	state := NewEndpointState(hb)
	for i := uint32(0); i < count; i++ {
		key, err := ReadInt32(r)
		if err != nil {
			return nil, err
		}
		value, err := ReadVersionedValue(r)
		if err != nil {
			return nil, err
		}
		state.appStates[ApplicationState(key)] = value
	}
	return state, nil
}
