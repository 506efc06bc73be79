// Package sample contains example background operations and the
// registration glue a code generator would emit for them.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrWorkFailed is returned by WorkError on every call.
var ErrWorkFailed = errors.New("work error")

// Person is the parameter record of CheckPerson.
type Person struct {
	Name  string `json:"name,omitempty" msgpack:"name,omitempty"`
	Email string `json:"email,omitempty" msgpack:"email,omitempty"`
}

// Jobs is the service interface some operations are resolved through.
type Jobs interface {
	DoWorkNamed(ctx context.Context, jobID int, name *string) error
	RunSchedule(ctx context.Context) error
}

// Journal records the work performed by the sample jobs.
// It is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends an entry.
func (j *Journal) Record(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of all recorded entries.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

// SampleJob implements the sample operations.
type SampleJob struct {
	logger  *slog.Logger
	journal *Journal
}

var _ Jobs = (*SampleJob)(nil)

// NewSampleJob creates a sample job. journal may be nil.
func NewSampleJob(logger *slog.Logger, journal *Journal) *SampleJob {
	return &SampleJob{logger: logger, journal: journal}
}

// DoWork performs work for an optional job id.
func (s *SampleJob) DoWork(ctx context.Context, jobID *int) error {
	s.logger.InfoContext(ctx, "DoWork job", "jobId", deref(jobID))
	s.journal.Record("DoWork %s", deref(jobID))
	return nil
}

// DoWorkNamed performs named work.
func (s *SampleJob) DoWorkNamed(ctx context.Context, jobID int, name *string) error {
	n := ""
	if name != nil {
		n = *name
	}
	s.logger.InfoContext(ctx, "DoWork job", "jobId", jobID, "name", n)
	s.journal.Record("DoWorkNamed %d %s", jobID, n)
	return nil
}

// WorkError always fails.
func (s *SampleJob) WorkError(ctx context.Context, jobID *int) error {
	s.logger.InfoContext(ctx, "WorkError job", "jobId", deref(jobID))
	s.journal.Record("WorkError %s", deref(jobID))
	return fmt.Errorf("job %s: %w", deref(jobID), ErrWorkFailed)
}

// CompleteWork completes a job.
func (s *SampleJob) CompleteWork(ctx context.Context, jobID int) error {
	s.logger.InfoContext(ctx, "CompleteWork job", "jobId", jobID)
	s.journal.Record("CompleteWork %d", jobID)
	return nil
}

// CheckPerson checks a person record.
func (s *SampleJob) CheckPerson(ctx context.Context, person Person) error {
	s.logger.InfoContext(ctx, "CheckPerson", "name", person.Name)
	s.journal.Record("CheckPerson %s", person.Name)
	return nil
}

// RunSchedule runs the scheduled sweep.
func (s *SampleJob) RunSchedule(ctx context.Context) error {
	s.logger.InfoContext(ctx, "RunSchedule()")
	s.journal.Record("RunSchedule")
	return nil
}

// StaticWork needs no service instance.
func StaticWork(ctx context.Context, jobID int) error {
	slog.Default().DebugContext(ctx, "StaticWork job", "jobId", jobID)
	return nil
}

func deref(p *int) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprint(*p)
}
