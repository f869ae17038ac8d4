package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Job is a scheduled task gated by a job lease. Run returns the structured
// report persisted on the lease row and streamed to the report sink.
type Job struct {
	Name string
	// Every is the minimum spacing between two runs across all instances.
	Every time.Duration
	// Schedule is an optional cron expression; the service tick is used when empty.
	Schedule string
	LeaseTTL time.Duration
	Run      func(ctx context.Context, dryRun bool) (any, error)
}

// Registry tracks registered cron jobs.
type Registry struct {
	mu   sync.RWMutex
	jobs []Job
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job to the registry.
func (r *Registry) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return fmt.Errorf("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func required", job.Name)
	}
	if job.Every <= 0 {
		return fmt.Errorf("job %s: cadence must be positive", job.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Lookup returns the job registered under name.
func (r *Registry) Lookup(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Names lists the registered job names.
func (r *Registry) Names() []string {
	jobs := r.Jobs()
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.Name)
	}
	return names
}
