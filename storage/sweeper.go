package storage

import (
	"context"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
)

// Sweeper is implemented by backends that cannot expire documents on their own.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweeper calls Sweep on every tick until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
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
			n, err := s.Sweep(ctx)
			if err != nil {
				logging.Log.Warnf("STORE: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Log.Infof("STORE: evicted %d expired polls", n)
			}
		}
	}
}
