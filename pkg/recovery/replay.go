package recovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/faststore/pkg/metrics"
)

// Replay partitions tasks across threadCount workers by H(block) mod
// thread_count, each backed by a bounded channel of depth queueDepth
// standing in for the free-list of task slots: a full channel makes the
// dispatch loop block exactly the way free-list exhaustion would. Order
// within one block is preserved because every task for that block lands
// on the same worker's channel in dispatch order, and tasks never
// overlap within a block because Dedup already resolved overlaps.
//
// An errgroup supervises the per-shard workers: the first shard to hit a
// fatal apply error stops and its error is returned, but sibling shards
// keep draining their own already-buffered batch rather than aborting
// mid-task.
func Replay(ctx context.Context, tasks []ReplayTask, threadCount, queueDepth int, apply ApplyFunc) error {
	if threadCount <= 0 {
		threadCount = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}

	chans := make([]chan ReplayTask, threadCount)
	for i := range chans {
		chans[i] = make(chan ReplayTask, queueDepth)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threadCount; i++ {
		ch := chans[i]
		g.Go(func() error {
			for t := range ch {
				if err := apply(gctx, t); err != nil {
					return err
				}
				metrics.RecoveryReplayedRecordsTotal.WithLabelValues(string(rune(t.Op))).Inc()
			}
			return nil
		})
	}

dispatch:
	for _, t := range tasks {
		shard := int(t.Block.Hash() % uint64(threadCount))
		select {
		case chans[shard] <- t:
		case <-gctx.Done():
			break dispatch
		}
	}
	for _, ch := range chans {
		close(ch)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
