package topology

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/events"
	"github.com/quorumdb/cluster/internal/models"
)

// StateSource answers application-state lookups for endpoints; the gossiper
// implements it.
type StateSource interface {
	AppStateValue(ep models.Endpoint, key models.ApplicationState) (string, bool)
}

// Updater keeps the topology metadata in sync with gossip: endpoints enter
// the ring when their host id, datacenter and rack are known and their
// status is not dead, and leave it on removal or a dead status.
type Updater struct {
	events.NopSubscriber

	meta   *Metadata
	source StateSource
}

func NewUpdater(meta *Metadata, source StateSource) *Updater {
	return &Updater{meta: meta, source: source}
}

func (u *Updater) OnJoin(ep models.Endpoint, state *models.EndpointState) {
	u.sync(ep)
}

func (u *Updater) OnAlive(ep models.Endpoint, state *models.EndpointState) {
	u.sync(ep)
}

func (u *Updater) OnRestart(ep models.Endpoint, state *models.EndpointState) {
	u.sync(ep)
}

func (u *Updater) OnChange(ep models.Endpoint, key models.ApplicationState, value models.VersionedValue) {
	switch key {
	case models.AppStateStatus, models.AppStateDC, models.AppStateRack, models.AppStateHostID:
		u.sync(ep)
	}
}

func (u *Updater) OnRemove(ep models.Endpoint) {
	u.meta.RemoveMember(ep)
}

func (u *Updater) sync(ep models.Endpoint) {
	if status, ok := u.source.AppStateValue(ep, models.AppStateStatus); ok {
		token, _, _ := strings.Cut(status, ",")
		if models.IsDeadStatus(token) {
			u.meta.RemoveMember(ep)
			return
		}
	}
	hostID, ok := u.source.AppStateValue(ep, models.AppStateHostID)
	if !ok {
		return
	}
	dc, ok := u.source.AppStateValue(ep, models.AppStateDC)
	if !ok {
		return
	}
	rack, ok := u.source.AppStateValue(ep, models.AppStateRack)
	if !ok {
		return
	}
	u.meta.AddMember(ep, hostID, Location{Datacenter: dc, Rack: rack})
	log.Debug().Msgf("topology updated: %s is %s in %s/%s", ep, hostID, dc, rack)
}
