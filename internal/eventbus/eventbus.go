// Package eventbus publishes a best-effort feed of fleet/incident
// lifecycle events for an external viewer. It never gates correctness:
// every publish is a non-blocking channel send, and the core
// components (registry, queue, dispatcher, liveness) never observe
// whether anything is actually listening.
package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/dronecoord/sentinel/pkg/types"
)

// Kind tags the lifecycle transition an Event describes.
type Kind string

const (
	DroneRegistered    Kind = "drone_registered"
	DroneEvicted       Kind = "drone_evicted"
	IncidentDispatched Kind = "incident_dispatched"
	IncidentOrphaned   Kind = "incident_orphaned"
	IncidentHelped     Kind = "incident_helped"
)

// Event is one lifecycle transition, timestamped at publish time.
type Event struct {
	Kind      Kind        `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	DroneID   string      `json:"drone_id,omitempty"`
	Coord     types.Coord `json:"coord,omitempty"`
	MissionID string      `json:"mission_id,omitempty"`
}

// Bus fans lifecycle events out to an optional Pub/Sub topic. When no
// GCP project is configured it degrades to a purely in-process,
// bounded channel — publish still succeeds, there is simply no
// external sink.
type Bus struct {
	events chan Event
	done   chan struct{}
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *log.Logger
}

// queueDepth bounds the in-process fan-out channel; a slow or absent
// consumer never backs up into the publishing call.
const queueDepth = 256

// New constructs a Bus. If projectID is empty, publishing is local
// only (no Pub/Sub client is created). Errors creating the GCP client
// are logged and degrade to the same local-only behavior rather than
// failing startup, since the bus is optional per spec.md §11/§12.2.
func New(ctx context.Context, projectID, topicName string, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{events: make(chan Event, queueDepth), done: make(chan struct{}), log: logger}

	if projectID == "" {
		logger.Printf("[EVENTBUS] no GCP project configured, running local-only")
		go b.drainLocal()
		return b
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logger.Printf("[EVENTBUS] failed to create pubsub client, running local-only: %v", err)
		go b.drainLocal()
		return b
	}

	topic := client.Topic(topicName)
	b.client = client
	b.topic = topic
	go b.drainRemote(ctx)
	return b
}

// Publish enqueues ev for the background publisher. Overflow is
// dropped and logged rather than blocking the caller, since every
// caller is on a hot path (registry/dispatcher/liveness).
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case b.events <- ev:
	default:
		b.log.Printf("[EVENTBUS] dropped event %s, queue full", ev.Kind)
	}
}

func (b *Bus) drainLocal() {
	defer close(b.done)
	for range b.events {
		// Local-only mode: nothing to forward. The channel is drained so
		// Publish's select never blocks once the queue is full and an
		// item is retired.
	}
}

func (b *Bus) drainRemote(ctx context.Context) {
	defer close(b.done)
	for ev := range b.events {
		data, err := json.Marshal(ev)
		if err != nil {
			b.log.Printf("[EVENTBUS] marshal failed: %v", err)
			continue
		}
		result := b.topic.Publish(ctx, &pubsub.Message{Data: data})
		go func(r *pubsub.PublishResult, kind Kind) {
			if _, err := r.Get(ctx); err != nil {
				b.log.Printf("[EVENTBUS] publish of %s failed: %v", kind, err)
			}
		}(result, ev.Kind)
	}
}

// Close stops accepting new events, waits for the drain goroutine to
// finish, and releases the Pub/Sub client, if one was created.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	close(b.events)
	<-b.done
	if b.topic != nil {
		b.topic.Stop()
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
