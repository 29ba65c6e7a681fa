package models

import "fmt"

// ApplicationState names a well-known per-endpoint attribute carried by
// gossip. The integer values are part of the wire format and must not be
// reordered.
type ApplicationState int32

const (
	AppStateStatus ApplicationState = iota
	AppStateDC
	AppStateRack
	AppStateTokens
	AppStateHostID
	AppStateLoad
	AppStateInternalIP
	AppStateNetVersion
	AppStateSeverity
)

var appStateNames = map[ApplicationState]string{
	AppStateStatus:     "STATUS",
	AppStateDC:         "DC",
	AppStateRack:       "RACK",
	AppStateTokens:     "TOKENS",
	AppStateHostID:     "HOST_ID",
	AppStateLoad:       "LOAD",
	AppStateInternalIP: "INTERNAL_IP",
	AppStateNetVersion: "NET_VERSION",
	AppStateSeverity:   "SEVERITY",
}

func (s ApplicationState) String() string {
	if name, ok := appStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("APP_STATE(%d)", int32(s))
}

func (s ApplicationState) Known() bool {
	_, ok := appStateNames[s]
	return ok
}
