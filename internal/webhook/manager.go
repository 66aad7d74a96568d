package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bizscout/harvester/internal/harvest"
	"github.com/bizscout/harvester/internal/telemetry"
)

// Signature and metadata headers on every delivery POST.
const (
	HeaderSignature = "X-Harvester-Signature"
	HeaderDelivery  = "X-Harvester-Delivery"
	HeaderEvent     = "X-Harvester-Event"
	HeaderTimestamp = "X-Harvester-Timestamp"
)

// defaultRetryLadder is the fixed escalation between attempts: seconds,
// then minutes, then hours. Its length is also the attempt budget; see
// MaxAttempts for how the final rung is used.
var defaultRetryLadder = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Config controls delivery behavior.
type Config struct {
	// Timeout bounds one delivery POST.
	Timeout time.Duration
	// RatePerSecond paces outbound posts across all endpoints. <=0 disables.
	RatePerSecond float64
	// FailureCeiling auto-disables an endpoint once its failure counter
	// crosses it. Independent of per-delivery retry exhaustion.
	FailureCeiling int
	// ScanInterval is the period of the due-retry scan.
	ScanInterval time.Duration
	// Source identifies this emitter in payloads.
	Source string
	// RetryLadder overrides the default ladder (tests only).
	RetryLadder []time.Duration
}

// Manager registers endpoints, fans out events, and drives deliveries.
// Delivery failures never reach the scheduler; a broken subscriber cannot
// affect job outcomes.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	ladder     []time.Duration
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery
	pending    chan string
	client     *http.Client
	limiter    *rate.Limiter
	ids        harvest.IDGenerator
	clock      harvest.Clock
	notifier   harvest.Notifier
	logger     *zap.Logger
}

// New creates a Manager.
func New(cfg Config, ids harvest.IDGenerator, clock harvest.Clock, notifier harvest.Notifier, logger *zap.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = 10
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "harvester"
	}
	ladder := cfg.RetryLadder
	if len(ladder) == 0 {
		ladder = defaultRetryLadder
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		ladder:     ladder,
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
		pending:    make(chan string, 1024),
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		ids:        ids,
		clock:      clock,
		notifier:   notifier,
		logger:     logger,
	}
}

// MaxAttempts is the per-delivery attempt budget, equal to the ladder
// length. Attempt n failing schedules a wait of rung n; failing the final
// attempt marks the delivery permanently failed instead, so the last rung
// bounds the budget and is never waited on.
func (m *Manager) MaxAttempts() int { return len(m.ladder) }

// AddEndpoint registers a subscriber and returns it with its one-time
// secret. Subsequent reads never expose the secret again.
func (m *Manager) AddEndpoint(rawURL string, events []harvest.EventType) (Endpoint, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint url %q", rawURL)
	}
	if len(events) == 0 {
		return Endpoint{}, fmt.Errorf("endpoint must subscribe to at least one event type")
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint id: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return Endpoint{}, err
	}
	ep := &Endpoint{
		ID:      id,
		URL:     rawURL,
		Events:  append([]harvest.EventType(nil), events...),
		Secret:  secret,
		Enabled: true,
		Created: m.clock.Now(),
	}
	m.mu.Lock()
	m.endpoints[id] = ep
	m.mu.Unlock()

	out := ep.redacted()
	out.Secret = secret
	return out, nil
}

// UpdateEndpoint mutates URL, subscriptions or the enabled flag.
func (m *Manager) UpdateEndpoint(id string, update EndpointUpdate) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %s not found", id)
	}
	if update.URL != nil {
		parsed, err := url.Parse(*update.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint url %q", *update.URL)
		}
		ep.URL = *update.URL
	}
	if update.Events != nil {
		ep.Events = append([]harvest.EventType(nil), update.Events...)
	}
	if update.Enabled != nil {
		ep.Enabled = *update.Enabled
		if ep.Enabled {
			// Re-enabling gives the endpoint a clean slate.
			ep.FailureCount = 0
		}
	}
	return ep.redacted(), nil
}

// RemoveEndpoint deletes an endpoint. Pending deliveries to it are dropped
// at attempt time.
func (m *Manager) RemoveEndpoint(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return false
	}
	delete(m.endpoints, id)
	return true
}

// GetEndpoint returns a redacted copy.
func (m *Manager) GetEndpoint(id string) (Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return ep.redacted(), true
}

// ListEndpoints returns redacted copies, ordered by creation.
func (m *Manager) ListEndpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.redacted())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Emit fans the event out to every enabled endpoint subscribed to its type,
// creating one signed delivery each. It never blocks the caller.
func (m *Manager) Emit(event harvest.Event) {
	if event.ID == "" {
		if id, err := m.ids.NewID(); err == nil {
			event.ID = id
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now()
	}
	if event.Source == "" {
		event.Source = m.cfg.Source
	}

	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("marshal event payload", zap.String("event", string(event.Type)), zap.Error(err))
		return
	}

	m.mu.Lock()
	var created []string
	for _, ep := range m.endpoints {
		if !ep.Enabled || !ep.subscribed(event.Type) {
			continue
		}
		id, err := m.ids.NewID()
		if err != nil {
			m.logger.Error("delivery id", zap.Error(err))
			continue
		}
		d := &Delivery{
			ID:         id,
			EndpointID: ep.ID,
			EventID:    event.ID,
			EventType:  event.Type,
			Payload:    payload,
			Signature:  Sign(ep.Secret, payload),
			Status:     DeliveryPending,
			Created:    m.clock.Now(),
		}
		m.deliveries[id] = d
		created = append(created, id)
	}
	m.mu.Unlock()

	for _, id := range created {
		select {
		case m.pending <- id:
		default:
			// Channel full; the periodic scan will pick it up.
		}
	}
}

// GetDelivery returns a copy of a delivery.
func (m *Manager) GetDelivery(id string) (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// ListDeliveries returns copies of all deliveries, newest last.
func (m *Manager) ListDeliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Run drives deliveries until the context finishes: freshly enqueued ones
// immediately, due retries on every scan tick.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.pending:
			m.deliver(ctx, id)
		case <-ticker.C:
			for _, id := range m.due() {
				m.deliver(ctx, id)
			}
		}
	}
}

// due collects deliveries whose retry time has arrived, plus any pending
// ones that fell out of the channel.
func (m *Manager) due() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var ids []string
	for id, d := range m.deliveries {
		switch d.Status {
		case DeliveryRetry:
			if !d.NextRetry.After(now) {
				ids = append(ids, id)
			}
		case DeliveryPending:
			if now.Sub(d.Created) > m.cfg.ScanInterval {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// deliver executes one attempt for the delivery.
func (m *Manager) deliver(ctx context.Context, id string) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok || d.Status == DeliveryDelivered || d.Status == DeliveryFailed {
		m.mu.Unlock()
		return
	}
	ep, ok := m.endpoints[d.EndpointID]
	if !ok || !ep.Enabled {
		d.Status = DeliveryFailed
		d.LastError = "endpoint removed or disabled"
		m.mu.Unlock()
		return
	}
	targetURL := ep.URL
	payload := d.Payload
	signature := d.Signature
	eventType := d.EventType
	m.mu.Unlock()

	attemptErr := m.post(ctx, targetURL, id, eventType, payload, signature)

	m.mu.Lock()
	defer m.mu.Unlock()
	d.Attempts++
	if attemptErr == nil {
		d.Status = DeliveryDelivered
		d.LastError = ""
		ep.FailureCount = 0
		telemetry.ObserveDelivery("delivered")
		m.notifyDelivered(d)
		return
	}

	d.LastError = attemptErr.Error()
	if d.Attempts >= len(m.ladder) {
		d.Status = DeliveryFailed
		ep.FailureCount++
		telemetry.ObserveDelivery("failed")
		m.logger.Warn("delivery permanently failed",
			zap.String("delivery", d.ID),
			zap.String("endpoint", ep.ID),
			zap.Int("attempts", d.Attempts),
			zap.Error(attemptErr),
		)
		if ep.FailureCount >= m.cfg.FailureCeiling {
			ep.Enabled = false
			m.logger.Warn("endpoint auto-disabled",
				zap.String("endpoint", ep.ID),
				zap.Int("failure_count", ep.FailureCount),
			)
		}
		return
	}
	d.Status = DeliveryRetry
	d.NextRetry = m.clock.Now().Add(m.ladder[d.Attempts-1])
	telemetry.ObserveDelivery("retry")
}

// post performs the signed POST. Any non-2xx response is a failure.
func (m *Manager) post(ctx context.Context, targetURL, deliveryID string, eventType harvest.EventType, payload []byte, signature string) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderEvent, string(eventType))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(m.clock.Now().UnixMilli(), 10))
	req.Header.Set(HeaderSignature, signature)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post: status %d", resp.StatusCode)
	}
	return nil
}

// notifyDelivered pushes a fire-and-forget notice. Caller holds the lock;
// the notifier call itself runs outside it.
func (m *Manager) notifyDelivered(d *Delivery) {
	if m.notifier == nil {
		return
	}
	var event harvest.Event
	if err := json.Unmarshal(d.Payload, &event); err != nil {
		return
	}
	go m.notifier.NotifyDelivery(context.Background(), event)
}
