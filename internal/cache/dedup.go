// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults applied by NewDedup for non-positive arguments.
const (
	DefaultCapacity = 10000
	DefaultTTL      = time.Hour
)

// Dedup is a thread-safe set of recently completed keys with LRU eviction
// and per-entry TTL.
type Dedup struct {
	lru *expirable.LRU[string, time.Time]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDedup creates a set holding at most capacity keys for ttl each.
func NewDedup(capacity int, ttl time.Duration) *Dedup {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Dedup{lru: expirable.NewLRU[string, time.Time](capacity, nil, ttl)}
}

// Seen reports whether key was marked within the TTL.
func (d *Dedup) Seen(key string) bool {
	// Get rather than Contains: Contains ignores expiry.
	if _, ok := d.lru.Get(key); ok {
		d.hits.Add(1)
		return true
	}
	d.misses.Add(1)
	return false
}

// Mark records key as completed now.
func (d *Dedup) Mark(key string) {
	d.lru.Add(key, time.Now())
}

// Forget removes key so the next delivery is processed again.
func (d *Dedup) Forget(key string) {
	d.lru.Remove(key)
}

// Len returns the number of live keys.
func (d *Dedup) Len() int {
	return d.lru.Len()
}

// Stats returns lookup hits and misses since creation.
func (d *Dedup) Stats() (hits, misses int64) {
	return d.hits.Load(), d.misses.Load()
}
