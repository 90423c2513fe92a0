package updater

import (
	"context"
	"time"

	"github.com/KiraraGho/valutatrade-hub/logger"
)

// RunPeriodic drives RunUpdate at a fixed interval until the context is
// canceled. A failed cycle is logged and the loop waits for the next tick;
// the process never terminates because of one bad cycle.
func (u *Updater) RunPeriodic(ctx context.Context, interval time.Duration) {
	log := u.log.WithComponent("scheduler")
	log.WithFields(logger.Fields{"interval": interval.String()}).Info("scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := u.RunUpdate(ctx, "")
			if err != nil {
				log.WithError(err).Error("scheduled update failed")
				continue
			}
			if len(res.Errors) > 0 {
				log.WithFields(logger.Fields{"updated": res.Updated, "errors": res.Errors}).
					Warn("scheduled update finished with partial failures")
			}
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		}
	}
}
