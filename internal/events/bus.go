package events

import (
	"sync"

	"github.com/quorumdb/cluster/internal/models"
)

// Subscriber receives endpoint liveness and state transitions. Callbacks are
// delivered from the gossip tick, one at a time, in registration order; a
// subscriber must not call back into the gossiper while handling one.
type Subscriber interface {
	OnJoin(ep models.Endpoint, state *models.EndpointState)
	BeforeChange(ep models.Endpoint, state *models.EndpointState, key models.ApplicationState, newValue models.VersionedValue)
	OnChange(ep models.Endpoint, key models.ApplicationState, value models.VersionedValue)
	OnAlive(ep models.Endpoint, state *models.EndpointState)
	OnDead(ep models.Endpoint, state *models.EndpointState)
	OnRemove(ep models.Endpoint)
	OnRestart(ep models.Endpoint, state *models.EndpointState)
}

// NopSubscriber implements Subscriber with empty methods; embed it to handle
// only the transitions a component cares about.
type NopSubscriber struct{}

func (NopSubscriber) OnJoin(models.Endpoint, *models.EndpointState) {}
func (NopSubscriber) BeforeChange(models.Endpoint, *models.EndpointState, models.ApplicationState, models.VersionedValue) {
}
func (NopSubscriber) OnChange(models.Endpoint, models.ApplicationState, models.VersionedValue) {}
func (NopSubscriber) OnAlive(models.Endpoint, *models.EndpointState)                           {}
func (NopSubscriber) OnDead(models.Endpoint, *models.EndpointState)                            {}
func (NopSubscriber) OnRemove(models.Endpoint)                                                 {}
func (NopSubscriber) OnRestart(models.Endpoint, *models.EndpointState)                         {}

// Bus owns the subscriber list so that the gossiper, the detector and the
// snitch never hold references to each other.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

func (b *Bus) Unregister(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *Bus) snapshot() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Subscriber, len(b.subscribers))
	copy(out, b.subscribers)
	return out
}

func (b *Bus) NotifyJoin(ep models.Endpoint, state *models.EndpointState) {
	for _, sub := range b.snapshot() {
		sub.OnJoin(ep, state)
	}
}

func (b *Bus) NotifyBeforeChange(ep models.Endpoint, state *models.EndpointState, key models.ApplicationState, newValue models.VersionedValue) {
	for _, sub := range b.snapshot() {
		sub.BeforeChange(ep, state, key, newValue)
	}
}

func (b *Bus) NotifyChange(ep models.Endpoint, key models.ApplicationState, value models.VersionedValue) {
	for _, sub := range b.snapshot() {
		sub.OnChange(ep, key, value)
	}
}

func (b *Bus) NotifyAlive(ep models.Endpoint, state *models.EndpointState) {
	for _, sub := range b.snapshot() {
		sub.OnAlive(ep, state)
	}
}

func (b *Bus) NotifyDead(ep models.Endpoint, state *models.EndpointState) {
	for _, sub := range b.snapshot() {
		sub.OnDead(ep, state)
	}
}

func (b *Bus) NotifyRemove(ep models.Endpoint) {
	for _, sub := range b.snapshot() {
		sub.OnRemove(ep)
	}
}

func (b *Bus) NotifyRestart(ep models.Endpoint, state *models.EndpointState) {
	for _, sub := range b.snapshot() {
		sub.OnRestart(ep, state)
	}
}
