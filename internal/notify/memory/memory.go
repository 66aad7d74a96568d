// Package memory provides in-process Notifier implementations: a spy for
// tests and a no-op for deployments without a push channel.
package memory

import (
	"context"
	"sync"

	"github.com/bizscout/harvester/internal/harvest"
)

// Notifier records every notification it receives.
type Notifier struct {
	mu         sync.Mutex
	JobUpdates []harvest.JobUpdateNotice
	Deliveries []harvest.Event
}

// New creates an empty spy Notifier.
func New() *Notifier {
	return &Notifier{}
}

// NotifyJobUpdate implements harvest.Notifier.
func (n *Notifier) NotifyJobUpdate(_ context.Context, notice harvest.JobUpdateNotice) {
	n.mu.Lock()
	n.JobUpdates = append(n.JobUpdates, notice)
	n.mu.Unlock()
}

// NotifyDelivery implements harvest.Notifier.
func (n *Notifier) NotifyDelivery(_ context.Context, event harvest.Event) {
	n.mu.Lock()
	n.Deliveries = append(n.Deliveries, event)
	n.mu.Unlock()
}

// Updates returns a copy of the recorded job updates.
func (n *Notifier) Updates() []harvest.JobUpdateNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]harvest.JobUpdateNotice(nil), n.JobUpdates...)
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

// NotifyJobUpdate implements harvest.Notifier.
func (NoopNotifier) NotifyJobUpdate(context.Context, harvest.JobUpdateNotice) {}

// NotifyDelivery implements harvest.Notifier.
func (NoopNotifier) NotifyDelivery(context.Context, harvest.Event) {}
