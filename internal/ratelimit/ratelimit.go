// Package ratelimit implements a leaky token bucket whose state lives in
// the shared store so every bridge process sees the same levels.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Params describe how a bucket drains and how full it may get.
type Params struct {
	// RefillRate is how many hits per second drain from the bucket.
	RefillRate float64
	// MaxLevel caps the level so a burst cannot lock a key out forever.
	MaxLevel float64
}

// Buckets persists bucket levels. Hit must apply Fill and return the new
// level as one atomic storage operation so two concurrent hits on the
// same key can never both read the old level.
type Buckets interface {
	Hit(ctx context.Context, key string, now time.Time, cost float64, p Params) (float64, error)
}

// Fill is the bucket update rule: drain for the elapsed time, floor at
// zero, add cost, cap at MaxLevel.
func Fill(level float64, elapsed time.Duration, cost float64, p Params) float64 {
	drained := level - math.Max(0, elapsed.Seconds())*p.RefillRate
	return math.Min(p.MaxLevel, math.Max(0, drained)+cost)
}

// Stale reports whether a bucket last written at updated has fully
// drained by now and can be deleted.
func Stale(level float64, updated, now time.Time, refillRate float64) bool {
	return level-now.Sub(updated).Seconds()*refillRate <= 0
}

// Key hashes an arbitrary string into a fixed size bucket key. The hash
// only normalizes keys; it is not a secret.
func Key(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 16)
}

// Config controls a Limiter.
type Config struct {
	Enabled    bool
	RefillRate float64
	Capacity   float64
	MaxHits    float64
}

// Limiter checks hits against Buckets.
type Limiter struct {
	buckets Buckets
	cfg     Config
	now     func() time.Time
}

// New returns a Limiter. A disabled limiter never touches buckets.
func New(buckets Buckets, cfg Config) *Limiter {
	return &Limiter{buckets: buckets, cfg: cfg, now: time.Now}
}

// Check records one hit for key and returns how long the caller should
// wait. Zero means the hit was admitted.
func (l *Limiter) Check(ctx context.Context, key string) (time.Duration, error) {
	return l.CheckCost(ctx, key, 1)
}

// CheckCost is Check with an explicit cost.
func (l *Limiter) CheckCost(ctx context.Context, key string, cost float64) (time.Duration, error) {
	if l == nil || !l.cfg.Enabled {
		return 0, nil
	}

	level, err := l.buckets.Hit(ctx, Key(key), l.now(), cost, Params{
		RefillRate: l.cfg.RefillRate,
		MaxLevel:   l.cfg.MaxHits,
	})
	if err != nil {
		return 0, fmt.Errorf("rate limit hit: %w", err)
	}

	if level <= l.cfg.Capacity {
		return 0, nil
	}

	wait := (level - l.cfg.Capacity) / l.cfg.RefillRate

	return time.Duration(wait * float64(time.Second)), nil
}
