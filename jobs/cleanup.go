package jobs

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/store"
)

const (
	DefaultStaleTimeout  = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Cleanup reverts signing markers left behind by jobs that died.
type Cleanup struct {
	store   *store.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewCleanup returns a sweeper. timeout <= 0 selects DefaultStaleTimeout.
func NewCleanup(st *store.Store, timeout time.Duration, logger *slog.Logger) *Cleanup {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{store: st, timeout: timeout, logger: logger, now: time.Now}
}

// SetClock overrides time.Now in tests.
func (c *Cleanup) SetClock(now func() time.Time) {
	c.now = now
}

// Run reverts every stale file and returns how many were touched. Failures
// are logged per file and never stop the sweep.
func (c *Cleanup) Run(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "jobs.CleanupStaleSigning")
	defer span.End()

	now := c.now()
	stale, err := c.store.ListStaleSigning(ctx, now, c.timeout)
	if err != nil {
		c.logger.Error("listing stale signing files", "error", err)
		return 0
	}

	reverted := 0
	for _, f := range stale {
		_, changed, err := c.store.ModifyFile(ctx, f.ID, func(cur *model.File) (bool, error) {
			if cur.Status == model.StatusDeleted || !cur.Metadata.SigningStale(now, c.timeout) {
				return false, nil
			}
			switch cur.Status {
			case model.StatusSigned, model.StatusPartialSigned:
			default:
				if cur.Status.CanTransitionTo(model.StatusAbleToSign) {
					if err := cur.TransitionTo(model.StatusAbleToSign, now); err != nil {
						return false, err
					}
				}
			}
			cur.Metadata.ClearSigningInProgress(now)
			return true, nil
		})
		if err != nil {
			c.logger.Error("reverting stale signing status", "file_id", f.ID, "error", err)
			continue
		}
		if changed {
			reverted++
			c.logger.Info("reverted stale signing status", "file_id", f.ID, "started_by", f.Metadata.SigningStartedBy)
		}
	}
	span.SetAttributes(attribute.Int("cleanup.reverted", reverted))
	return reverted
}
