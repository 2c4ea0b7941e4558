// Package maintenance runs periodic housekeeping on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/chainintel/internal/api"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JobFunc is one unit of housekeeping. The returned count is logged.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      JobFunc
	mu      sync.Mutex // serializes scheduled and manual runs
}

// JobStatus reports the last outcome of a job.
type JobStatus struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastCount    int           `json:"last_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler owns the cron and the registered jobs.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu     sync.RWMutex
	jobs   map[string]*job
	status map[string]*JobStatus
}

// NewScheduler creates a scheduler. Specs take an optional leading seconds
// field, as in "0 */5 * * * *" or "@every 1m".
func NewScheduler() *Scheduler {
	logger := cronLogger{log.Logger.With().Str("component", "cron").Logger()}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			cron.WithLogger(logger),
		),
		ctx:    context.Background(),
		jobs:   make(map[string]*job),
		status: make(map[string]*JobStatus),
	}
}

// Register adds a job. An empty spec registers it for manual runs only.
func (s *Scheduler) Register(name, spec string, timeout time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("maintenance: job %q already registered", name)
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, j) }); err != nil {
			return fmt.Errorf("maintenance: job %q: bad schedule %q: %w", name, spec, err)
		}
	}
	s.jobs[name] = j
	s.status[name] = &JobStatus{Name: name, Spec: spec}
	return nil
}

// Start begins scheduled runs. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Info().Strs("jobs", s.JobNames()).Msg("maintenance: scheduler started")
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance: scheduler stopped")
}

// RunNow runs a job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("maintenance: %w: %s", api.ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// JobNames returns the registered job names, sorted.
func (s *Scheduler) JobNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status returns the status of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := j.fn(ctx)
	took := time.Since(start)

	s.mu.Lock()
	st := s.status[j.name]
	st.Runs++
	st.LastRun = start
	st.LastDuration = took
	st.LastCount = n
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", j.name).Dur("took", took).Msg("maintenance: job failed")
		return err
	}
	log.Info().Str("job", j.name).Int("count", n).Dur("took", took).Msg("maintenance: job done")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
