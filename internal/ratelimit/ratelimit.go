// Package ratelimit implements a fixed-window per-minute request limiter on
// top of the shared key-value store.
//
// Counters live under rate_limit:<op>:<ip>:<minute> with a 60-second TTL, so
// a restart or a second broker process sharing the store sees the same
// window.  The limiter fails closed: when the store is unreachable it returns
// ErrUnavailable rather than waving traffic through, trading availability for
// DoS protection: without the store the broker cannot serve sessions anyway.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/govverify/broker/internal/store"
)

// window is the fixed rate-limit window. Counters expire after one window.
const window = time.Minute

// ErrLimited is returned by Check when the caller has exceeded its per-minute
// budget for the operation.
var ErrLimited = errors.New("ratelimit: rate limit exceeded")

// ErrUnavailable is returned by Check when the backing store cannot be
// reached. Handlers translate it to 503.
var ErrUnavailable = errors.New("ratelimit: store unavailable")

// Limits holds the per-minute request budgets for each rate-limited
// operation.
type Limits struct {
	Init      int `yaml:"init"`
	Verify    int `yaml:"verify"`
	Proximity int `yaml:"proximity"`
	Poll      int `yaml:"poll"`
}

// DefaultLimits returns the stock per-minute budgets.
func DefaultLimits() Limits {
	return Limits{Init: 20, Verify: 60, Proximity: 30, Poll: 120}
}

// forOp returns the budget for op, or 0 (no limiting) for unknown operations.
func (l Limits) forOp(op string) int {
	switch op {
	case "init":
		return l.Init
	case "verify":
		return l.Verify
	case "proximity":
		return l.Proximity
	case "poll":
		return l.Poll
	default:
		return 0
	}
}

// Limiter checks fixed-window counters in the shared store.
type Limiter struct {
	store  store.Store
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Limiter. A nil logger falls back to slog.Default; a zero
// Limits falls back to DefaultLimits.
func New(s store.Store, limits Limits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	return &Limiter{store: s, limits: limits, logger: logger, now: time.Now}
}

// Check records one request for (op, ip) in the current minute window and
// returns nil when the request is within budget, ErrLimited when the budget
// is exhausted, or ErrUnavailable when the store cannot be reached.
func (l *Limiter) Check(ctx context.Context, op, ip string) error {
	limit := l.limits.forOp(op)
	if limit <= 0 {
		return nil
	}

	minute := l.now().Unix() / 60
	key := fmt.Sprintf("rate_limit:%s:%s:%d", op, ip, minute)

	count, err := l.store.IncrAndExpire(ctx, key, window)
	if err != nil {
		l.logger.Error("rate limiter: store failure, failing closed",
			slog.String("op", op),
			slog.String("ip", ip),
			slog.Any("error", err),
		)
		return ErrUnavailable
	}

	if count > int64(limit) {
		l.logger.Warn("rate limit exceeded",
			slog.String("op", op),
			slog.String("ip", ip),
			slog.Int64("count", count),
			slog.Int("limit", limit),
		)
		return ErrLimited
	}
	return nil
}
