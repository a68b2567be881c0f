// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package kvstore

import (
	"context"
	"time"

	"github.com/tomtom215/lateflow/internal/logging"
)

// GCService runs value log GC on an interval. It implements suture.Service.
type GCService struct {
	store    *Store
	interval time.Duration
}

// NewGCService creates a GC service for store. A non-positive interval
// falls back to the store's configured GCInterval, then to ten minutes.
func NewGCService(store *Store, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = store.config.GCInterval
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCService{store: store, interval: interval}
}

// Serve runs until ctx is canceled.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("store GC failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (g *GCService) String() string {
	return "store-gc"
}
