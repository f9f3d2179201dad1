package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = time.Hour

// Sweep deletes expired sessions every interval until ctx is done.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	n, err := r.ExpireOlderThan(tickCtx, r.now())
	if err != nil {
		r.log.Error("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("expired sessions removed", zap.Int64("count", n))
	}
}
