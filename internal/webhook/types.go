// Package webhook fans lifecycle events out to subscriber endpoints and
// delivers them at-least-once with signed payloads.
package webhook

import (
	"time"

	"github.com/bizscout/harvester/internal/harvest"
)

// DeliveryStatus is the lifecycle of one delivery.
type DeliveryStatus string

// Delivery states.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRetry     DeliveryStatus = "retry"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Endpoint is one registered subscriber. The secret is generated once at
// registration and never re-exposed afterwards.
type Endpoint struct {
	ID           string              `json:"id"`
	URL          string              `json:"url"`
	Events       []harvest.EventType `json:"events"`
	Secret       string              `json:"secret,omitempty"`
	Enabled      bool                `json:"enabled"`
	FailureCount int                 `json:"failure_count"`
	Created      time.Time           `json:"created_at"`
}

// subscribed reports whether the endpoint wants this event type.
func (e *Endpoint) subscribed(t harvest.EventType) bool {
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// redacted returns a copy safe to hand back to callers.
func (e *Endpoint) redacted() Endpoint {
	out := *e
	out.Secret = ""
	out.Events = append([]harvest.EventType(nil), e.Events...)
	return out
}

// EndpointUpdate carries mutable endpoint fields. Nil means "leave as is".
type EndpointUpdate struct {
	URL     *string
	Events  []harvest.EventType
	Enabled *bool
}

// Delivery is one signed, retryable attempt stream toward one endpoint for
// one event.
type Delivery struct {
	ID         string         `json:"id"`
	EndpointID string         `json:"endpoint_id"`
	EventID    string         `json:"event_id"`
	EventType  harvest.EventType `json:"event_type"`
	Payload    []byte         `json:"payload"`
	Signature  string         `json:"signature"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	NextRetry  time.Time      `json:"next_retry,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Created    time.Time      `json:"created_at"`
}
