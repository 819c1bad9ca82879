package worker

import (
	"context"
	"log"
	"time"
)

// StuckRecovery periodically reopens abandoned payment event claims and
// re-runs them in place.
type StuckRecovery struct {
	ingestor interface {
		RecoverStuck(ctx context.Context, timeout time.Duration) ([]string, error)
		Process(ctx context.Context, externalID string) error
	}
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
}

// NewStuckRecovery builds the sweep. Both knobs are plain durations;
// non-positive values fall back to one minute and ten minutes.
func NewStuckRecovery(ingestor interface {
	RecoverStuck(ctx context.Context, timeout time.Duration) ([]string, error)
	Process(ctx context.Context, externalID string) error
}, interval, timeout time.Duration) *StuckRecovery {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &StuckRecovery{
		ingestor: ingestor,
		interval: interval,
		timeout:  timeout,
		logger:   log.New(log.Writer(), "[RECOVERY] ", log.LstdFlags),
	}
}

// Run sweeps until ctx is cancelled.
func (r *StuckRecovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *StuckRecovery) sweep(ctx context.Context) {
	ids, err := r.ingestor.RecoverStuck(ctx, r.timeout)
	if err != nil {
		r.logger.Printf("⚠️ Recovery sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := r.ingestor.Process(ctx, id); err != nil {
			r.logger.Printf("⚠️ Recovered event %s failed again: %v", id, err)
		}
	}
}
