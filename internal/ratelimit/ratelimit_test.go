package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/govverify/broker/internal/store"
)

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.NewRedis(client), limits, slog.Default()), mr
}

func TestCheckWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Init: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "init", "1.2.3.4"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
}

func TestCheckRejectsOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Init: 20})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := l.Check(ctx, "init", "1.2.3.4"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	if err := l.Check(ctx, "init", "1.2.3.4"); !errors.Is(err, ErrLimited) {
		t.Fatalf("21st request: expected ErrLimited, got %v", err)
	}
}

func TestCheckIsolatesIPs(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Init: 1})
	ctx := context.Background()

	if err := l.Check(ctx, "init", "1.1.1.1"); err != nil {
		t.Fatalf("first IP: %v", err)
	}
	if err := l.Check(ctx, "init", "2.2.2.2"); err != nil {
		t.Fatalf("second IP should have its own window: %v", err)
	}
	if err := l.Check(ctx, "init", "1.1.1.1"); !errors.Is(err, ErrLimited) {
		t.Fatalf("first IP over budget: expected ErrLimited, got %v", err)
	}
}

func TestCheckIsolatesOperations(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Init: 1, Verify: 1})
	ctx := context.Background()

	if err := l.Check(ctx, "init", "1.2.3.4"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := l.Check(ctx, "verify", "1.2.3.4"); err != nil {
		t.Fatalf("verify should not share init's counter: %v", err)
	}
}

func TestCheckWindowResets(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{Init: 1})
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	if err := l.Check(ctx, "init", "1.2.3.4"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Check(ctx, "init", "1.2.3.4"); !errors.Is(err, ErrLimited) {
		t.Fatalf("second in same minute: expected ErrLimited, got %v", err)
	}

	// Next wall-clock minute gets a fresh counter.
	l.now = func() time.Time { return base.Add(time.Minute) }
	mr.FastForward(time.Minute)
	if err := l.Check(ctx, "init", "1.2.3.4"); err != nil {
		t.Fatalf("next window: %v", err)
	}
}

func TestCheckFailsClosedOnStoreOutage(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{Init: 100})
	mr.Close()

	if err := l.Check(context.Background(), "init", "1.2.3.4"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable with store down, got %v", err)
	}
}

func TestCheckUnknownOperationUnlimited(t *testing.T) {
	l, mr := newTestLimiter(t, Limits{Init: 1})
	mr.Close() // even with the store down, unknown ops never touch it

	if err := l.Check(context.Background(), "other", "1.2.3.4"); err != nil {
		t.Fatalf("unknown op should bypass limiting, got %v", err)
	}
}
