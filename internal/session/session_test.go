package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/govverify/broker/internal/store"
)

// testClock is a settable clock shared between the manager and miniredis
// fast-forwarding in expiry tests.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time         { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(store.NewRedis(client), 30*time.Second, nil, clk.now)
	return m, mr, clk
}

func TestCreateAndGet(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "1.2.3.4", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(n) != 36 {
		t.Errorf("nonce = %q, want 36-char uuid", n)
	}

	rec, err := m.Get(ctx, n)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
	if rec.URL != "https://gov.pl" || rec.IP != "1.2.3.4" || rec.UA != "Mozilla/5.0" {
		t.Errorf("record fields: %+v", rec)
	}
	if !rec.CreatedAt.Equal(clk.t) {
		t.Errorf("created_at = %v, want %v", rec.CreatedAt, clk.t)
	}
	if rec.Result != nil {
		t.Errorf("fresh record must have no result, got %s", rec.Result)
	}
}

func TestGetUnknownNonce(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Get(context.Background(), "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreEvictionAfterTTL(t *testing.T) {
	m, mr, clk := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "", "")
	if err != nil {
		t.Fatal(err)
	}

	clk.advance(31 * time.Second)
	mr.FastForward(31 * time.Second)

	if _, err := m.Get(ctx, n); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after store eviction, got %v", err)
	}
}

func TestClockExpiryWithoutEviction(t *testing.T) {
	// The record is still in the store (eviction lags), but the wall clock
	// says the session is over: Get must report EXPIRED.
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "", "")
	if err != nil {
		t.Fatal(err)
	}
	clk.advance(31 * time.Second)

	rec, err := m.Get(ctx, n)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusExpired {
		t.Errorf("status = %s, want EXPIRED", rec.Status)
	}
	if err := m.Consume(ctx, n, json.RawMessage(`{}`)); !errors.Is(err, ErrExpired) {
		t.Errorf("Consume on expired: got %v, want ErrExpired", err)
	}
}

func TestConsumeOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "", "")
	if err != nil {
		t.Fatal(err)
	}

	result := json.RawMessage(`{"verdict":"TRUSTED","trust_score":100}`)
	if err := m.Consume(ctx, n, result); err != nil {
		t.Fatalf("first Consume: %v", err)
	}

	rec, err := m.Get(ctx, n)
	if err != nil {
		t.Fatalf("Get after consume: %v", err)
	}
	if rec.Status != StatusConsumed {
		t.Errorf("status = %s, want CONSUMED", rec.Status)
	}
	if string(rec.Result) != string(result) {
		t.Errorf("result = %s, want %s", rec.Result, result)
	}

	if err := m.Consume(ctx, n, result); !errors.Is(err, ErrConsumed) {
		t.Fatalf("second Consume: got %v, want ErrConsumed", err)
	}
}

func TestConsumePreservesRemainingTTL(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "", "")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(20 * time.Second)

	if err := m.Consume(ctx, n, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	remaining := mr.TTL("session:" + n)
	if remaining > 10*time.Second {
		t.Errorf("consume extended TTL to %v; must preserve the remaining window", remaining)
	}
	if remaining <= 0 {
		t.Errorf("record evicted too early, TTL %v", remaining)
	}
}

func TestUpdateProximity(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	n, err := m.Create(ctx, "https://gov.pl", "", "")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name          string
		supported     bool
		found         bool
		wantConfirmed bool
	}{
		{"supported and found", true, true, true},
		{"supported not found", true, false, false},
		{"unsupported", false, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := m.UpdateProximity(ctx, n, Proximity{
				BLEUUID:   "550e8400-e29b-41d4-a716-446655440000",
				Supported: c.supported,
				Found:     c.found,
				Timestamp: "2026-06-01T12:00:05Z",
			})
			if err != nil {
				t.Fatalf("UpdateProximity: %v", err)
			}
			rec, err := m.Get(ctx, n)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Proximity == nil {
				t.Fatal("proximity not persisted")
			}
			if rec.Proximity.Confirmed != c.wantConfirmed {
				t.Errorf("confirmed = %v, want %v", rec.Proximity.Confirmed, c.wantConfirmed)
			}
		})
	}
}

func TestUpdateProximityUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.UpdateProximity(context.Background(), "deadbeef", Proximity{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
