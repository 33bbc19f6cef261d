// Package renewal runs the monthly grant sweep on a cron schedule.
package renewal

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSchedule = "@monthly"

// Renewer is the slice of the credit service the scheduler needs.
type Renewer interface {
	RenewAll(ctx context.Context) (credits.RenewalSummary, error)
}

// Scheduler triggers renewal sweeps. The sweep itself is idempotent per
// calendar month, so an extra firing after a restart only produces skips.
type Scheduler struct {
	cron    *cron.Cron
	renewer Renewer
	logger  *zap.Logger
}

// NewScheduler builds a Scheduler firing on the given cron expression.
// An empty schedule defaults to @monthly.
func NewScheduler(renewer Renewer, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if renewer == nil {
		return nil, fmt.Errorf("renewer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = defaultSchedule
	}

	scheduler := &Scheduler{
		cron:    cron.New(),
		renewer: renewer,
		logger:  logger,
	}
	if _, err := scheduler.cron.AddFunc(schedule, scheduler.run); err != nil {
		return nil, fmt.Errorf("invalid renewal schedule %q: %w", schedule, err)
	}
	return scheduler, nil
}

// Start launches the cron loop in its own goroutine.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (scheduler *Scheduler) Stop() {
	<-scheduler.cron.Stop().Done()
}

func (scheduler *Scheduler) run() {
	summary, err := scheduler.renewer.RenewAll(context.Background())
	if err != nil {
		scheduler.logger.Error("renewal sweep failed", zap.Error(err))
		return
	}
	scheduler.logger.Info("renewal sweep finished",
		zap.Int("renewed", summary.Renewed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
}
