// Package scheduler runs periodic housekeeping on cron schedules: expiring
// rate-limit windows and reaping transactions abandoned by scripts.
//
// Jobs never overlap with themselves. A run still in progress when the next
// tick fires causes that tick to be skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is one housekeeping task. Run returns how many entries it cleaned up.
type Job struct {
	Name string
	Spec string // Cron spec, e.g. "@every 30s" or "*/5 * * * *".
	Run  func(ctx context.Context) (int, error)
}

// Entry describes a scheduled job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
}

// Scheduler fires housekeeping jobs on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]scheduled
}

type scheduled struct {
	job Job
	id  cron.EntryID
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		metrics: metrics,
		logger:  logger,
		ctx:     context.Background(),
		jobs:    make(map[string]scheduled),
	}
}

// Add schedules job. It fails for an invalid spec or a duplicate name.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already scheduled", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.fire(s.runContext(), job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", job.Spec, job.Name, err)
	}
	s.jobs[job.Name] = scheduled{job: job, id: id}
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing jobs. Returns a stop function that waits for running
// jobs to finish (matches the cleanup-goroutine pattern used elsewhere).
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "housekeeping scheduler started", slog.Int("jobs", n))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("housekeeping scheduler stopped")
	}
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.fire(ctx, sj.job)
}

// Entries lists scheduled jobs with their next fire time, soonest first.
// Next is zero until the scheduler is started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.jobs))
	for name, sj := range s.jobs {
		out = append(out, Entry{Name: name, Spec: sj.job.Spec, Next: s.cron.Entry(sj.id).Next})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.Next.Compare(b.Next); c != 0 {
			return c
		}
		if a.Name < b.Name {
			return -1
		}
		return 1
	})
	return out
}

// fire runs a single job and records the outcome.
func (s *Scheduler) fire(ctx context.Context, job Job) (int, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(job.Name).Inc()
	}

	n, err := job.Run(ctx)

	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "housekeeping job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(job.Name).Inc()
		}
		return n, err
	}

	if s.metrics != nil {
		s.metrics.JobsSucceeded.WithLabelValues(job.Name).Inc()
		s.metrics.ItemsCleaned.WithLabelValues(job.Name).Add(float64(n))
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "housekeeping job cleaned up entries",
			slog.String("job", job.Name),
			slog.Int("count", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return n, nil
}

// ValidateSpec reports whether spec is a schedule Add would accept.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
