// Package events defines the health-event contract between the kernel
// channel and the cluster event bus, plus a websocket fan-out producer for
// agents that publish directly to subscribed listeners.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrelcompute/agent/pkg/log"
)

// ServiceHealth is the reported health of a model service.
type ServiceHealth string

const (
	Healthy   ServiceHealth = "healthy"
	Unhealthy ServiceHealth = "unhealthy"
)

// ModelServiceStatusEvent is published when a kernel reports a change in
// one of its model services' health.
type ModelServiceStatusEvent struct {
	ID         string        `json:"id"`
	KernelID   uuid.UUID     `json:"kernel_id"`
	SessionID  uuid.UUID     `json:"session_id"`
	ModelName  string        `json:"model_name"`
	Status     ServiceHealth `json:"status"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewModelServiceStatusEvent stamps a fresh event with an id and timestamp.
func NewModelServiceStatusEvent(kernelID, sessionID uuid.UUID, modelName string, status ServiceHealth) ModelServiceStatusEvent {
	return ModelServiceStatusEvent{
		ID:         uuid.NewString(),
		KernelID:   kernelID,
		SessionID:  sessionID,
		ModelName:  modelName,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
}

// Producer publishes health events to the cluster event bus.
type Producer interface {
	Produce(ctx context.Context, ev ModelServiceStatusEvent) error
}

// NopProducer discards events.
type NopProducer struct{}

func (NopProducer) Produce(context.Context, ModelServiceStatusEvent) error { return nil }

// Broadcaster fans events out to websocket subscribers as JSON messages.
// A failed write unsubscribes the connection.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*websocket.Conn]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*websocket.Conn]struct{})}
}

// Subscribe registers a connection and returns its unsubscribe function.
func (b *Broadcaster) Subscribe(conn *websocket.Conn) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[conn] = struct{}{}
	return func() { b.Unsubscribe(conn) }
}

// Unsubscribe removes a connection.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, conn)
}

// SubscriberCount reports the number of registered connections.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) snapshot() []*websocket.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(b.subs))
	for conn := range b.subs {
		out = append(out, conn)
	}
	return out
}

// Produce implements Producer.
func (b *Broadcaster) Produce(_ context.Context, ev ModelServiceStatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	for _, conn := range b.snapshot() {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn("dropping event subscriber", "error", err)
			b.Unsubscribe(conn)
		}
	}
	return nil
}
