package cli

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/SmitUplenchwar2687/turnstile/internal/storage"
)

// startSweeper schedules periodic removal of expired keys when store supports it.
// It returns nil when there is nothing to schedule. Stop the returned scheduler on shutdown.
func startSweeper(ctx context.Context, store storage.Store, every time.Duration, logger logrus.FieldLogger) (*cron.Cron, error) {
	sweeper, ok := store.(storage.Sweeper)
	if !ok || every <= 0 {
		return nil, nil
	}

	log := logger.WithField("component", "sweeper")
	c := cron.New()
	if _, err := c.AddFunc("@every "+every.String(), func() { sweep(ctx, sweeper, log) }); err != nil {
		return nil, err
	}
	c.Start()
	log.WithField("interval", every.String()).Info("expired key sweep scheduled")
	return c, nil
}

func sweep(ctx context.Context, sweeper storage.Sweeper, log logrus.FieldLogger) int {
	removed, err := sweeper.Cleanup(ctx)
	if err != nil {
		log.WithError(err).Warn("expired key sweep failed")
		return 0
	}
	if removed > 0 {
		log.WithField("removed", removed).Debug("expired keys swept")
	}
	return removed
}
