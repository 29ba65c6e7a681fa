package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quorumdb/cluster/internal/models"
)

type fakeSource struct {
	states map[models.Endpoint]map[models.ApplicationState]string
}

func (f *fakeSource) AppStateValue(ep models.Endpoint, key models.ApplicationState) (string, bool) {
	value, ok := f.states[ep][key]
	return value, ok
}

func TestUpdaterAddsCompleteMembers(t *testing.T) {
	meta := NewMetadata()
	source := &fakeSource{states: map[models.Endpoint]map[models.ApplicationState]string{
		ep("n1"): {
			models.AppStateStatus: "NORMAL,token",
			models.AppStateHostID: "id-1",
			models.AppStateDC:     "east",
			models.AppStateRack:   "r1",
		},
		ep("n2"): {
			models.AppStateHostID: "id-2",
			models.AppStateDC:     "east",
		},
	}}
	updater := NewUpdater(meta, source)

	updater.OnJoin(ep("n1"), nil)
	assert.True(t, meta.IsMember(ep("n1")))

	// rack still unknown, not a ring member yet
	updater.OnJoin(ep("n2"), nil)
	assert.False(t, meta.IsMember(ep("n2")))

	source.states[ep("n2")][models.AppStateRack] = "r2"
	updater.OnChange(ep("n2"), models.AppStateRack, models.VersionedValue{Value: "r2", Version: 1})
	assert.True(t, meta.IsMember(ep("n2")))
}

func TestUpdaterRemovesDeadStatus(t *testing.T) {
	meta := NewMetadata()
	source := &fakeSource{states: map[models.Endpoint]map[models.ApplicationState]string{
		ep("n1"): {
			models.AppStateStatus: "NORMAL,token",
			models.AppStateHostID: "id-1",
			models.AppStateDC:     "east",
			models.AppStateRack:   "r1",
		},
	}}
	updater := NewUpdater(meta, source)
	updater.OnJoin(ep("n1"), nil)
	assert.True(t, meta.IsMember(ep("n1")))

	source.states[ep("n1")][models.AppStateStatus] = "LEFT,token,123"
	updater.OnChange(ep("n1"), models.AppStateStatus, models.VersionedValue{Value: "LEFT,token,123", Version: 2})
	assert.False(t, meta.IsMember(ep("n1")))
}

func TestUpdaterRemoveEvent(t *testing.T) {
	meta := NewMetadata()
	source := &fakeSource{states: map[models.Endpoint]map[models.ApplicationState]string{
		ep("n1"): {
			models.AppStateHostID: "id-1",
			models.AppStateDC:     "east",
			models.AppStateRack:   "r1",
		},
	}}
	updater := NewUpdater(meta, source)
	updater.OnJoin(ep("n1"), nil)
	updater.OnRemove(ep("n1"))
	assert.False(t, meta.IsMember(ep("n1")))
}
