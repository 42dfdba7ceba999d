// Package scheduler drives the background jobs: the auto clock-out
// sweep, the daily retention cleanup and the latency probes. Each job
// takes a cross-process redis lock when redis is configured, so running
// several instances does not duplicate work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paintops/crewclock/internal/cleanup"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/config"
	obsmetrics "github.com/paintops/crewclock/internal/observability/metrics"
	"github.com/paintops/crewclock/internal/probes"
	"github.com/paintops/crewclock/internal/reaper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobAutoClockOut = "autoClockOut"
	JobDailyCleanup = "dailyCleanup"
	JobLatencyProbe = "latencyProbe"

	tickInterval = 30 * time.Second

	defaultJobInterval = 5 * time.Minute
)

// Job is one scheduled unit of work. Interval jobs run every Interval;
// daily jobs run once per day at DailyHourUTC.
type Job struct {
	Name         string
	Interval     time.Duration
	DailyHourUTC int
	Daily        bool
	Timeout      time.Duration
	Run          func(ctx context.Context) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Cfg     config.Config
	Reaper  *reaper.Reaper
	Cleaner *cleanup.Cleaner
	Prober  *probes.Prober
	Locker  *Locker                `optional:"true"`
	Metrics *obsmetrics.JobMetrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	clock   clock.Clock
	cfg     config.Config
	locker  *Locker
	metrics *obsmetrics.JobMetrics

	jobs    []Job
	nextRun map[string]time.Time
}

func New(p Params) *Scheduler {
	s := &Scheduler{
		log:     p.Log.Named("scheduler"),
		clock:   p.Clock,
		cfg:     p.Cfg,
		locker:  p.Locker,
		metrics: p.Metrics,
		nextRun: map[string]time.Time{},
	}

	s.jobs = []Job{
		{
			Name:     JobAutoClockOut,
			Interval: intervalOrDefault(p.Cfg.AutoClockOutInterval),
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := p.Reaper.Run(ctx)
				return err
			},
		},
		{
			Name:         JobDailyCleanup,
			Daily:        true,
			DailyHourUTC: p.Cfg.CleanupHourUTC,
			Timeout:      10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := p.Cleaner.Run(ctx, false)
				return err
			},
		},
		{
			Name:     JobLatencyProbe,
			Interval: intervalOrDefault(p.Cfg.ProbeInterval),
			Timeout:  probes.RunBudget + 5*time.Second,
			Run:      p.Prober.Run,
		},
	}

	now := s.clock.Now()
	for _, job := range s.jobs {
		// Interval jobs fire on the first tick; the daily job waits for
		// its scheduled hour.
		if job.Daily {
			s.nextRun[job.Name] = nextDailyRun(now, job.DailyHourUTC)
		} else {
			s.nextRun[job.Name] = now
		}
	}
	return s
}

func intervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultJobInterval
	}
	return d
}

// nextDailyRun is the next occurrence of hourUTC strictly after now.
func nextDailyRun(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunDue executes every job whose schedule has come due at now and
// returns the names of the jobs that ran. Job errors are logged and
// counted; a failed job still advances its schedule so one broken job
// cannot hot-loop.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	var ran []string
	for _, job := range s.jobs {
		due := s.nextRun[job.Name]
		if now.Before(due) {
			continue
		}
		s.runJob(ctx, job)
		ran = append(ran, job.Name)
		if job.Daily {
			s.nextRun[job.Name] = nextDailyRun(now, job.DailyHourUTC)
		} else {
			s.nextRun[job.Name] = now.Add(job.Interval)
		}
	}
	return ran
}

func (s *Scheduler) runJob(parent context.Context, job Job) {
	ctx, cancel := context.WithTimeout(parent, job.Timeout)
	defer cancel()

	lockKey := fmt.Sprintf("crewclock:scheduler:%s", job.Name)
	token, acquired, err := s.locker.TryLock(ctx, lockKey, job.Timeout)
	if err != nil {
		// Redis trouble must not stop maintenance work; fall through and
		// run unlocked.
		s.log.Warn("job lock unavailable, running unlocked",
			zap.String("job", job.Name),
			zap.Error(err),
		)
	} else if !acquired {
		s.log.Debug("job locked by another instance", zap.String("job", job.Name))
		return
	}
	defer func() {
		if token != "" {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.log.Warn("job lock release failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncRun(job.Name)
	}
	runErr := s.safeRun(ctx, job)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveDuration(job.Name, elapsed)
	}

	if runErr == nil {
		s.log.Info("job finished",
			zap.String("job", job.Name),
			zap.Duration("duration", elapsed),
		)
		return
	}

	if errors.Is(runErr, context.DeadlineExceeded) {
		if s.metrics != nil {
			s.metrics.IncTimeout(job.Name)
		}
		s.log.Warn("job timed out",
			zap.String("job", job.Name),
			zap.Duration("timeout", job.Timeout),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.IncError(job.Name)
	}
	s.log.Error("job failed",
		zap.String("job", job.Name),
		zap.Duration("duration", elapsed),
		zap.Error(runErr),
	)
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

// RunForever ticks until ctx is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		s.RunDue(ctx, s.clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.SchedulerEnabled {
		log.Info("scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
