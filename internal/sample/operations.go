package sample

// Registration glue for the sample operations, in the shape emitted by the
// operation generator: one signature, one parameter record, one registration
// and one enqueue function per operation.

import (
	"context"
	"fmt"
	"log/slog"

	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/registry"
)

var pkgPath = registry.TypeOf[SampleJob]().PkgPath()

// Operation signatures.
var (
	SigDoWork       = registry.Signature(registry.TypeOf[SampleJob](), "DoWork", registry.TypeOf[*int]())
	SigDoWorkNamed  = registry.Signature(registry.TypeOf[Jobs](), "DoWorkNamed", registry.TypeOf[int](), registry.TypeOf[*string]())
	SigWorkError    = registry.Signature(registry.TypeOf[SampleJob](), "WorkError", registry.TypeOf[*int]())
	SigCompleteWork = registry.Signature(registry.TypeOf[SampleJob](), "CompleteWork", registry.TypeOf[int]())
	SigCheckPerson  = registry.Signature(registry.TypeOf[SampleJob](), "CheckPerson", registry.TypeOf[Person]())
	SigStaticWork   = registry.FuncSignature(pkgPath, "StaticWork", registry.TypeOf[int]())
	SigRunSchedule  = registry.Signature(registry.TypeOf[Jobs](), "RunSchedule")
)

// DoWorkParams is the parameter record of SampleJob.DoWork.
type DoWorkParams struct {
	JobID *int `json:"jobId" msgpack:"jobId"`
}

// DoWorkNamedParams is the parameter record of Jobs.DoWorkNamed.
type DoWorkNamedParams struct {
	JobID int     `json:"jobId" msgpack:"jobId"`
	Name  *string `json:"name" msgpack:"name"`
}

// WorkErrorParams is the parameter record of SampleJob.WorkError.
type WorkErrorParams struct {
	JobID *int `json:"jobId" msgpack:"jobId"`
}

// CompleteWorkParams is the parameter record of SampleJob.CompleteWork.
type CompleteWorkParams struct {
	JobID int `json:"jobId" msgpack:"jobId"`
}

// CheckPersonParams is the parameter record of SampleJob.CheckPerson.
type CheckPersonParams struct {
	Person Person `json:"person" msgpack:"person"`
}

// StaticWorkParams is the parameter record of StaticWork.
type StaticWorkParams struct {
	JobID int `json:"jobId" msgpack:"jobId"`
}

// Enqueuer publishes operation calls.
type Enqueuer interface {
	Enqueue(ctx context.Context, signature string, params any) error
}

// Register adds every sample operation to reg. Parameters are decoded with c,
// which must match the codec the operations were enqueued with.
func Register(reg *registry.Registry, c codec.Codec) error {
	ok := map[string]bool{
		SigDoWork: registry.Method(reg, c, SigDoWork, func(s *SampleJob, ctx context.Context, p DoWorkParams) error {
			return s.DoWork(ctx, p.JobID)
		}),
		SigDoWorkNamed: registry.Method(reg, c, SigDoWorkNamed, func(s Jobs, ctx context.Context, p DoWorkNamedParams) error {
			return s.DoWorkNamed(ctx, p.JobID, p.Name)
		}),
		SigWorkError: registry.Method(reg, c, SigWorkError, func(s *SampleJob, ctx context.Context, p WorkErrorParams) error {
			return s.WorkError(ctx, p.JobID)
		}),
		SigCompleteWork: registry.Method(reg, c, SigCompleteWork, func(s *SampleJob, ctx context.Context, p CompleteWorkParams) error {
			return s.CompleteWork(ctx, p.JobID)
		}),
		SigCheckPerson: registry.Method(reg, c, SigCheckPerson, func(s *SampleJob, ctx context.Context, p CheckPersonParams) error {
			return s.CheckPerson(ctx, p.Person)
		}),
		SigStaticWork: registry.Func(reg, c, SigStaticWork, func(ctx context.Context, p StaticWorkParams) error {
			return StaticWork(ctx, p.JobID)
		}),
		SigRunSchedule: registry.Method(reg, c, SigRunSchedule, func(s Jobs, ctx context.Context, _ struct{}) error {
			return s.RunSchedule(ctx)
		}),
	}
	for sig, registered := range ok {
		if !registered {
			return fmt.Errorf("operation %q is already registered", sig)
		}
	}
	return nil
}

// Provide registers the services the sample operations resolve. Each
// resolution creates a new SampleJob sharing logger and journal.
func Provide(services *registry.Services, logger *slog.Logger, journal *Journal) {
	registry.Provide(services, func(registry.Resolver) (*SampleJob, error) {
		return NewSampleJob(logger, journal), nil
	})
	registry.Provide(services, func(registry.Resolver) (Jobs, error) {
		return NewSampleJob(logger, journal), nil
	})
}

// EnqueueDoWork enqueues SampleJob.DoWork.
func EnqueueDoWork(ctx context.Context, e Enqueuer, jobID *int) error {
	return e.Enqueue(ctx, SigDoWork, DoWorkParams{JobID: jobID})
}

// EnqueueDoWorkNamed enqueues Jobs.DoWorkNamed.
func EnqueueDoWorkNamed(ctx context.Context, e Enqueuer, jobID int, name *string) error {
	return e.Enqueue(ctx, SigDoWorkNamed, DoWorkNamedParams{JobID: jobID, Name: name})
}

// EnqueueWorkError enqueues SampleJob.WorkError.
func EnqueueWorkError(ctx context.Context, e Enqueuer, jobID *int) error {
	return e.Enqueue(ctx, SigWorkError, WorkErrorParams{JobID: jobID})
}

// EnqueueCompleteWork enqueues SampleJob.CompleteWork.
func EnqueueCompleteWork(ctx context.Context, e Enqueuer, jobID int) error {
	return e.Enqueue(ctx, SigCompleteWork, CompleteWorkParams{JobID: jobID})
}

// EnqueueCheckPerson enqueues SampleJob.CheckPerson.
func EnqueueCheckPerson(ctx context.Context, e Enqueuer, person Person) error {
	return e.Enqueue(ctx, SigCheckPerson, CheckPersonParams{Person: person})
}

// EnqueueStaticWork enqueues StaticWork.
func EnqueueStaticWork(ctx context.Context, e Enqueuer, jobID int) error {
	return e.Enqueue(ctx, SigStaticWork, StaticWorkParams{JobID: jobID})
}

// RunScheduler enqueues Jobs.RunSchedule.
func RunScheduler(ctx context.Context, e Enqueuer) error {
	return e.Enqueue(ctx, SigRunSchedule, nil)
}
