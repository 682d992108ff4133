package board

import (
	"context"
	"log"

	"boardsync/internal/domain"
)

// Delivery is what the listener did with one event.
type Delivery string

const (
	DeliveryApplied   Delivery = "applied"
	DeliveryEcho      Delivery = "echo"
	DeliveryForeign   Delivery = "foreign"
	DeliveryMalformed Delivery = "malformed"
	DeliveryIgnored   Delivery = "ignored"
)

// Listener routes feed events for one project into the store, dropping
// echoes of this client's own writes.
type Listener struct {
	ProjectID string
	Store     *Store
	Echoes    *EchoSuppressor
	Logger    *log.Logger
	OnEvent   func(domain.ItemEvent, Delivery)
}

// Handle applies one event.
func (l *Listener) Handle(evt domain.ItemEvent) Delivery {
	d := l.handle(evt)
	if l.OnEvent != nil {
		l.OnEvent(evt, d)
	}
	return d
}

func (l *Listener) handle(evt domain.ItemEvent) Delivery {
	if evt.ProjectID != "" && evt.ProjectID != l.ProjectID {
		return DeliveryForeign
	}
	if err := evt.Validate(); err != nil {
		l.logf("listener: drop event for project %s: %v", l.ProjectID, err)
		return DeliveryMalformed
	}
	if evt.Item != nil && evt.Item.ProjectID != "" && evt.Item.ProjectID != l.ProjectID {
		return DeliveryForeign
	}
	id := evt.TargetID()
	switch evt.Kind {
	case domain.EventCreate, domain.EventUpdate:
		if l.Echoes.Consume(id) {
			return DeliveryEcho
		}
		l.Store.upsert(*evt.Item, SourceRemote)
		return DeliveryApplied
	case domain.EventDelete:
		l.Echoes.Release(id)
		if !l.Store.remove(id) {
			return DeliveryIgnored
		}
		return DeliveryApplied
	}
	return DeliveryIgnored
}

// Run drains sub in arrival order until it ends or ctx is cancelled.
func (l *Listener) Run(ctx context.Context, sub Subscription) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			l.Handle(evt)
		}
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}
