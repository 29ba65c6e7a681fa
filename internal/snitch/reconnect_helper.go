package snitch

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/events"
	"github.com/quorumdb/cluster/internal/models"
)

// Reconnector lets the helper ask the transport to carry future traffic to
// a peer over its private address.
type Reconnector interface {
	Reconnect(public, preferred models.Endpoint) error
}

// PreferredStore persists the chosen preferred address.
type PreferredStore interface {
	Put(public, preferred models.Endpoint) error
}

// ReconnectHelper watches INTERNAL_IP application states of same-datacenter
// peers and redirects their connections to the private address. Only active
// when the node is configured to prefer local addresses.
type ReconnectHelper struct {
	events.NopSubscriber

	snitch      Snitch
	localDC     string
	preferLocal bool
	reconnector Reconnector
	store       PreferredStore
}

func NewReconnectHelper(sn Snitch, localDC string, preferLocal bool, reconnector Reconnector, store PreferredStore) *ReconnectHelper {
	return &ReconnectHelper{
		snitch:      sn,
		localDC:     localDC,
		preferLocal: preferLocal,
		reconnector: reconnector,
		store:       store,
	}
}

func (h *ReconnectHelper) OnChange(ep models.Endpoint, key models.ApplicationState, value models.VersionedValue) {
	if h.preferLocal && key == models.AppStateInternalIP {
		h.reconnect(ep, value.Value)
	}
}

func (h *ReconnectHelper) OnJoin(ep models.Endpoint, state *models.EndpointState) {
	if !h.preferLocal {
		return
	}
	if internal, ok := state.AppState(models.AppStateInternalIP); ok {
		h.reconnect(ep, internal.Value)
	}
}

func (h *ReconnectHelper) OnAlive(ep models.Endpoint, state *models.EndpointState) {
	h.OnJoin(ep, state)
}

func (h *ReconnectHelper) reconnect(public models.Endpoint, internal string) {
	if h.snitch.Datacenter(public) != h.localDC {
		return
	}
	preferred, err := parseInternalAddress(internal, public.Port)
	if err != nil {
		log.Error().Err(err).Msgf("failed to resolve internal address %q for %s", internal, public)
		return
	}
	if preferred == public {
		return
	}
	if err := h.reconnector.Reconnect(public, preferred); err != nil {
		log.Error().Err(err).Msgf("failed to reconnect to %s via %s", public, preferred)
		return
	}
	if err := h.store.Put(public, preferred); err != nil {
		log.Error().Err(err).Msgf("failed to persist preferred address for %s", public)
		return
	}
	log.Debug().Msgf("initiated reconnect to internal address %s for %s", preferred, public)
}

// A bare INTERNAL_IP address means the peer listens on the same port there;
// a host:port value is used as given.
func parseInternalAddress(value string, port uint16) (models.Endpoint, error) {
	if strings.Contains(value, ":") {
		return models.ParseEndpoint(value)
	}
	return models.Endpoint{Host: value, Port: port}, nil
}
