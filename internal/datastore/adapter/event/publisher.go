// Package event bridges entity lifecycle notifications onto the shared bus.
package event

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/shared/eventbus"
)

type Publisher struct {
	bus eventbus.EventBusInterface
}

var _ repository.EventPublisher = (*Publisher)(nil)

func NewPublisher(bus eventbus.EventBusInterface) *Publisher {
	return &Publisher{bus: bus}
}

// EntityEventData is the payload of entity lifecycle events.
type EntityEventData struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
}

// KindEventData is the payload of kind-level events.
type KindEventData struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
}

func (p *Publisher) publish(ctx context.Context, eventType string, key model.Key) {
	p.bus.PublishAndForget(ctx, eventbus.NewBasicEventWithSource(eventType, EntityEventData{
		Namespace: key.Namespace,
		Kind:      key.Kind(),
		Key:       key.Encode(),
	}, "datastore"))
}

func (p *Publisher) PublishEntityCreated(ctx context.Context, key model.Key) {
	p.publish(ctx, eventbus.EventTypeEntityCreated, key)
}

func (p *Publisher) PublishEntityUpdated(ctx context.Context, key model.Key) {
	p.publish(ctx, eventbus.EventTypeEntityUpdated, key)
}

func (p *Publisher) PublishEntityDeleted(ctx context.Context, key model.Key) {
	p.publish(ctx, eventbus.EventTypeEntityDeleted, key)
}

func (p *Publisher) PublishKindFlushed(ctx context.Context, namespace, kind string) {
	p.bus.PublishAndForget(ctx, eventbus.NewBasicEventWithSource(eventbus.EventTypeKindFlushed, KindEventData{
		Namespace: namespace,
		Kind:      kind,
	}, "datastore"))
}
