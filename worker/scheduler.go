package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"marki/utils"
)

// Job is one periodic task. The context is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler runs periodic jobs on gocron. A job never overlaps with itself.
type Scheduler struct {
	cron   *gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		ctx:    ctx,
		cancel: cancel,
		log:    utils.Component("scheduler"),
	}
}

// Every registers job under name. With immediate false the first run waits one interval.
func (s *Scheduler) Every(name string, interval time.Duration, immediate bool, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}

	sched := s.cron.Every(interval).SingletonMode().Tag(name)
	if !immediate {
		sched = sched.WaitForSchedule()
	}
	_, err := sched.Do(func() {
		start := time.Now()
		entry := s.log.WithField("job", name)
		if err := job(s.ctx); err != nil {
			utils.LogError("scheduled_job_failed", err, map[string]interface{}{"job": name})
			return
		}
		entry.WithField("duration", time.Since(start).String()).Debug("Scheduled job completed")
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.WithFields(logrus.Fields{"job": name, "interval": interval.String()}).Info("Job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.log.Info("Starting scheduler")
	s.cron.StartAsync()
}

// Stop cancels running jobs and waits for the scheduler to halt.
func (s *Scheduler) Stop() {
	s.log.Info("Stopping scheduler")
	s.cancel()
	s.cron.Stop()
}
