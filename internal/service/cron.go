package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Tao/internal/model"
)

// newScheduler returns a scheduler calling startFunc on every activation of
// the schedule. Cron takes precedence over duration.
func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	interval, err := cfg.Interval()
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	} else {
		job = gocron.DurationJob(interval)
		slog.DebugContext(ctx, "successfully parsed", "duration", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// addMaintenance registers a periodic call of f on s
func addMaintenance(s gocron.Scheduler, every time.Duration, f func()) error {
	_, err := s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(f),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron maintenance job: %w", err)
	}
	return nil
}
