package bridge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mediary/internal/audit"
	"mediary/internal/metrics"
)

// ReplayResult summarizes one sweep over the missed-message store.
type ReplayResult struct {
	Attempted int
	Replayed  int
	Failed    int
}

// Replay attempts every queued message once and deletes those the upstream
// accepted. Concurrent calls are serialized.
func (e *Engine) Replay(ctx context.Context) ReplayResult {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	start := time.Now()
	defer func() { e.metrics.ReplayDuration.Observe(time.Since(start).Seconds()) }()

	var res ReplayResult
	queued, err := e.store.List(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list missed messages.")
		return res
	}

	for _, qm := range queued {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if err := e.upstream.Publish(ctx, qm.Message); err != nil {
			res.Failed++
			e.logger.Debug().Err(err).Int64("id", qm.ID).Str("topic", qm.Message.Topic).Msg("Replay publish failed; message stays queued.")
			continue
		}
		res.Replayed++
		e.metrics.Message(metrics.ResultReplayed)
		e.audit.Record(ctx, audit.Event{Kind: audit.KindMessageReplayed, Topic: qm.Message.Topic, Detail: strconv.FormatInt(qm.ID, 10)})
		if err := e.store.Delete(context.WithoutCancel(ctx), qm.ID); err != nil {
			// Published but still stored: it will be sent again next sweep.
			e.logger.Error().Err(err).Int64("id", qm.ID).Msg("Failed to delete replayed message.")
			continue
		}
		e.metrics.QueueDepth.Dec()
	}
	return res
}

// SyncQueueDepth sets the queue depth gauge from the store, so records left
// by a previous run are counted.
func (e *Engine) SyncQueueDepth(ctx context.Context) error {
	queued, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing missed messages: %w", err)
	}
	e.metrics.QueueDepth.Set(float64(len(queued)))
	if len(queued) > 0 {
		e.logger.Info().Int("queued", len(queued)).Msg("Missed messages waiting for replay.")
	}
	return nil
}

// RunSweeper replays the store every interval while the upstream is
// connected, picking up messages queued by failures that did not drop the
// link. It returns when ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.logger.Info().Dur("interval", interval).Msg("Starting replay sweeper.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Stopping replay sweeper.")
			return
		case <-ticker.C:
			if !e.upstream.Connected() {
				continue
			}
			if res := e.Replay(ctx); res.Attempted > 0 {
				e.logger.Info().Int("attempted", res.Attempted).Int("replayed", res.Replayed).Msg("Replay sweep finished.")
			}
		}
	}
}
