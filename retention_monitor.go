// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"context"
	"time"
)

// RetentionMonitor periodically sweeps a journal for segments that every
// subscriber has already passed, so reclamation still happens even if no
// subscriber calls SetCheckpoint for a while.
type RetentionMonitor struct {
	ctx      *Ctx
	interval time.Duration
}

// NewRetentionMonitor builds a monitor for ctx. ctx must have been opened
// in ModeAppend or ModeInit; running it against a read-mode context would
// sweep on behalf of subscribers it doesn't own.
func NewRetentionMonitor(ctx *Ctx, interval time.Duration) *RetentionMonitor {
	return &RetentionMonitor{ctx: ctx, interval: interval}
}

// Run ticks every interval until stopCtx is done, sweeping retention on
// each tick. A panic from a single sweep is recovered and logged so one
// bad tick doesn't take the monitor down for the life of the process.
func (m *RetentionMonitor) Run(stopCtx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCtx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *RetentionMonitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.ctx.logger.Error().Interface("panic", r).Msg("retention monitor: sweep panicked")
		}
	}()

	m.ctx.mu.Lock()
	defer m.ctx.mu.Unlock()

	if err := m.ctx.sweepRetention(); err != nil {
		m.ctx.logger.Error().Err(err).Msg("retention monitor: sweep failed")
	}
}
