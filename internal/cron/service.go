package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one periodic maintenance task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)
}

// JobState is the last outcome of a job.
type JobState struct {
	Name       string        `json:"name"`
	Every      time.Duration `json:"every"`
	Runs       int           `json:"runs"`
	LastRunAt  time.Time     `json:"lastRunAt,omitempty"`
	LastStatus string        `json:"lastStatus,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	LastCount  int           `json:"lastCount"`
}

// Service runs the sweeps that keep caches, buffers and the store bounded.
// A job that is still running when its next tick fires is skipped.
type Service struct {
	mu       sync.Mutex
	jobs     map[string]Job
	state    map[string]*JobState
	entryMap map[string]rcron.EntryID
	cron     *rcron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService() *Service {
	return &Service{
		jobs:     make(map[string]Job),
		state:    make(map[string]*JobState),
		entryMap: make(map[string]rcron.EntryID),
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("add job: name and run are required")
	}
	if job.Every <= 0 {
		return fmt.Errorf("add job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("add job %s: already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.state[job.Name] = &JobState{Name: job.Name, Every: job.Every}
	if s.cron != nil {
		return s.registerLocked(job)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	for _, job := range s.jobs {
		if err := s.registerLocked(job); err != nil {
			return err
		}
	}
	s.cron.Start()
	log.Info().Str("component", "cron").Int("jobs", len(s.jobs)).Msg("started")
	return nil
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	log.Info().Str("component", "cron").Msg("stopped")
}

func (s *Service) registerLocked(job Job) error {
	id, err := s.cron.AddFunc("@every "+job.Every.String(), func() {
		s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name, err)
	}
	s.entryMap[job.Name] = id
	return nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run job %s: not found", name)
	}
	s.execute(ctx, job)
	return nil
}

func (s *Service) execute(ctx context.Context, job Job) {
	n, err := job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[job.Name]
	st.Runs++
	st.LastRunAt = time.Now()
	st.LastCount = n
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		log.Warn().Str("component", "cron").Str("job", job.Name).Err(err).Msg("job failed")
		return
	}
	st.LastStatus = "ok"
	st.LastError = ""
	if n > 0 {
		log.Debug().Str("component", "cron").Str("job", job.Name).Int("count", n).Msg("job done")
	}
}

// Jobs returns the state of every job sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.state))
	for _, st := range s.state {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
