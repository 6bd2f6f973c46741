package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func (q *Queue) runCleanup(ctx context.Context) {
	if q.cfg.CleanupInterval <= 0 || q.cfg.Retention <= 0 {
		q.logger.Info("operation cleanup disabled")
		return
	}

	ticker := q.clock.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if _, err := q.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("operation cleanup failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup removes finished operations older than the retention from every space.
// A failing space does not stop the others, all errors are returned combined.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := q.clock.Now().Add(-q.cfg.Retention)

	var errs error
	deleted := 0
	for _, space := range q.cfg.Spaces {
		n, err := q.engine.DeleteOperationsBefore(ctx, space, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf(`cannot clean up space "%s": %w`, space, err))
			continue
		}
		deleted += n
	}

	if deleted > 0 {
		q.logger.Info("deleted finished operations", zap.Int("count", deleted), zap.Time("before", cutoff))
	}
	return deleted, errs
}
