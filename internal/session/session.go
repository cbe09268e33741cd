// Package session manages the lifecycle of verification sessions: short-TTL
// records in the shared store, keyed by nonce, with strict
// PENDING→CONSUMED / PENDING→EXPIRED transitions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/govverify/broker/internal/nonce"
	"github.com/govverify/broker/internal/store"
)

// DefaultTTL is how long a session is retrievable from creation.
const DefaultTTL = 30 * time.Second

// keyPrefix namespaces session records in the shared store.
const keyPrefix = "session:"

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
)

var (
	// ErrNotFound means no record exists for the nonce (never created, or
	// the store TTL elapsed and the record was evicted).
	ErrNotFound = errors.New("session: not found")
	// ErrExpired means the record exists but its lifetime has elapsed.
	ErrExpired = errors.New("session: expired")
	// ErrConsumed means the record was already consumed by a verify call.
	ErrConsumed = errors.New("session: already consumed")
)

// Proximity is the co-location annotation reported by the browser.
type Proximity struct {
	BLEUUID   string `json:"ble_uuid"`
	Found     bool   `json:"found"`
	Supported bool   `json:"supported"`
	Timestamp string `json:"timestamp"`
	// Confirmed is derived: supported ∧ found.
	Confirmed bool `json:"confirmed"`
}

// Record is one verification session.
type Record struct {
	URL       string          `json:"url"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
	IP        string          `json:"ip,omitempty"`
	UA        string          `json:"ua,omitempty"`
	Proximity *Proximity      `json:"proximity,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Manager performs CRUD over session records. It is safe for concurrent use;
// ordering across processes is enforced by the store TTLs and the
// consume-once check in the handler.
type Manager struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. ttl ≤ 0 defaults to DefaultTTL, a nil clock
// to time.Now, a nil logger to slog.Default.
func NewManager(s store.Store, ttl time.Duration, logger *slog.Logger, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: s, ttl: ttl, logger: logger, now: now}
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create allocates a nonce and persists a PENDING record for url.
func (m *Manager) Create(ctx context.Context, url, ip, ua string) (string, error) {
	n := nonce.New()
	rec := Record{
		URL:       url,
		CreatedAt: m.now().UTC(),
		Status:    StatusPending,
		IP:        ip,
		UA:        ua,
	}
	if err := m.write(ctx, n, &rec, m.ttl); err != nil {
		return "", err
	}
	m.logger.Info("session created",
		slog.String("nonce", n),
		slog.String("url", url),
	)
	return n, nil
}

// Get returns the record for n. The store TTL normally makes expired records
// absent (ErrNotFound); the created_at check additionally marks a surviving
// record EXPIRED so a laggard store eviction cannot extend a session's life.
func (m *Manager) Get(ctx context.Context, n string) (*Record, error) {
	raw, err := m.store.Get(ctx, keyPrefix+n)
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: get %q: %w", n, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", n, err)
	}

	if rec.Status == StatusPending && m.now().Sub(rec.CreatedAt) > m.ttl {
		rec.Status = StatusExpired
	}
	return &rec, nil
}

// Consume transitions n from PENDING to CONSUMED, storing result atomically
// with the transition.  The remaining store TTL is preserved so consumption
// never extends a session's retrievability.
func (m *Manager) Consume(ctx context.Context, n string, result json.RawMessage) error {
	rec, err := m.Get(ctx, n)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusConsumed:
		return ErrConsumed
	case StatusExpired:
		return ErrExpired
	}

	rec.Status = StatusConsumed
	rec.Result = result
	return m.rewrite(ctx, n, rec)
}

// UpdateProximity annotates n with the reported proximity payload, deriving
// Confirmed = supported ∧ found. Last writer wins.
func (m *Manager) UpdateProximity(ctx context.Context, n string, p Proximity) error {
	rec, err := m.Get(ctx, n)
	if err != nil {
		return err
	}
	if rec.Status == StatusExpired {
		return ErrExpired
	}

	p.Confirmed = p.Supported && p.Found
	rec.Proximity = &p
	return m.rewrite(ctx, n, rec)
}

// rewrite persists rec under n with its remaining TTL.
func (m *Manager) rewrite(ctx context.Context, n string, rec *Record) error {
	remaining, err := m.store.TTL(ctx, keyPrefix+n)
	if err != nil {
		return fmt.Errorf("session: ttl %q: %w", n, err)
	}
	if remaining <= 0 {
		// Record vanished between Get and rewrite.
		return ErrNotFound
	}
	return m.write(ctx, n, rec, remaining)
}

func (m *Manager) write(ctx context.Context, n string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", n, err)
	}
	if err := m.store.SetEx(ctx, keyPrefix+n, ttl, string(data)); err != nil {
		return fmt.Errorf("session: persist %q: %w", n, err)
	}
	return nil
}
