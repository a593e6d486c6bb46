package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/worthit-bot/worthit/internal/adapter/queue/redisq"
)

// RunStuckTaskSweeper periodically fails tasks stuck in processing beyond
// maxAge, covering workers that died mid-task. Runs until the context ends.
func RunStuckTaskSweeper(ctx context.Context, q *redisq.Queue, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := q.SweepStuck(ctx, maxAge)
			if err != nil {
				slog.Error("stuck task sweep failed", slog.Any("error", err))
				continue
			}
			if swept > 0 {
				slog.Info("stuck task sweep finished", slog.Int("swept", swept))
			}
		}
	}
}
