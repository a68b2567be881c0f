// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package stage

import (
	"context"
	"time"

	"github.com/tomtom215/lateflow/internal/cache"
	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// Bounds for remembered rerun message ids.
const (
	dedupWindow   = time.Hour
	dedupCapacity = 50000
)

// RerunConsumer turns rerun commands into Stage.Run calls with IsRerun set.
// Redelivered commands whose message id already completed within the
// dedup window are acknowledged without running again.
type RerunConsumer struct {
	stages       map[string]*Stage
	defaultStage string
	done         *cache.Dedup
}

// NewRerunConsumer routes commands by processor name. Commands without a
// processor go to defaultStage.
func NewRerunConsumer(defaultStage string, stages ...*Stage) *RerunConsumer {
	c := &RerunConsumer{
		stages:       make(map[string]*Stage, len(stages)),
		defaultStage: defaultStage,
		done:         cache.NewDedup(dedupCapacity, dedupWindow),
	}
	for _, s := range stages {
		c.stages[s.Name()] = s
	}
	return c
}

// Handle is an eventbus.RerunHandler. A returned error nacks the command
// for redelivery.
func (c *RerunConsumer) Handle(ctx context.Context, cmd *eventbus.RerunCommand) error {
	name := cmd.Processor
	if name == "" {
		name = c.defaultStage
	}
	st, ok := c.stages[name]
	if !ok {
		logging.Ctx(ctx).Error().
			Str("processor", name).
			Str("entity_id", cmd.EntityID).
			Msg("rerun command for unknown processor, dropping")
		return nil
	}

	id := cmd.MessageID()
	if c.done.Seen(id) {
		metrics.RerunDuplicates.Inc()
		logging.Ctx(ctx).Debug().Str("message_id", id).Msg("duplicate rerun command ignored")
		return nil
	}

	_, err := st.Run(ctx, Request{
		ScopeDate:     cmd.ScopeDate,
		EntityIDs:     []string{cmd.EntityID},
		IsRerun:       true,
		TriggerSource: "rerun",
		CorrelationID: cmd.CorrelationID,
	})
	if err != nil {
		return err
	}
	c.done.Mark(id)
	return nil
}
