package sample

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/registry"
)

type call struct {
	signature string
	payload   []byte
}

// encodingEnqueuer encodes parameters the way the real enqueuer does.
type encodingEnqueuer struct {
	codec codec.Codec
	calls []call
}

func (e *encodingEnqueuer) Enqueue(_ context.Context, signature string, params any) error {
	payload, err := e.codec.Encode(params)
	if err != nil {
		return err
	}
	e.calls = append(e.calls, call{signature: signature, payload: payload})
	return nil
}

func setup(t *testing.T, c codec.Codec) (*registry.Registry, *registry.Services, *Journal) {
	t.Helper()
	reg := registry.New()
	if err := Register(reg, c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	journal := &Journal{}
	services := registry.NewServices()
	Provide(services, logger, journal)
	return reg, services, journal
}

func TestSignatures(t *testing.T) {
	want := "backgrounder-go/internal/sample.SampleJob.DoWork(*int)"
	if SigDoWork != want {
		t.Errorf("SigDoWork = %q, want %q", SigDoWork, want)
	}
	if SigStaticWork != "backgrounder-go/internal/sample.StaticWork(int)" {
		t.Errorf("SigStaticWork = %q", SigStaticWork)
	}
	if SigRunSchedule != "backgrounder-go/internal/sample.Jobs.RunSchedule()" {
		t.Errorf("SigRunSchedule = %q", SigRunSchedule)
	}
}

func TestRegister(t *testing.T) {
	reg, _, _ := setup(t, codec.Msgpack{})
	if reg.Len() != 7 {
		t.Errorf("Len() = %d, want 7", reg.Len())
	}
	if err := Register(reg, codec.Msgpack{}); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestOperations_EndToEndThroughRegistry(t *testing.T) {
	for _, c := range []codec.Codec{codec.Msgpack{}, codec.MsgpackLZ4{}, codec.JSON{}} {
		t.Run(c.ContentType(), func(t *testing.T) {
			reg, services, journal := setup(t, c)
			e := &encodingEnqueuer{codec: c}
			ctx := context.Background()

			id := 123
			name := "Test"
			_ = EnqueueDoWork(ctx, e, &id)
			_ = EnqueueDoWork(ctx, e, nil)
			_ = EnqueueDoWorkNamed(ctx, e, 456, &name)
			_ = EnqueueCompleteWork(ctx, e, 456)
			_ = EnqueueCheckPerson(ctx, e, Person{Name: "Test"})
			_ = EnqueueStaticWork(ctx, e, 1)
			_ = RunScheduler(ctx, e)

			for _, cl := range e.calls {
				invoke, ok := reg.Resolve(cl.signature)
				if !ok {
					t.Fatalf("%s not registered", cl.signature)
				}
				if err := invoke(ctx, services, c.ContentType(), cl.payload); err != nil {
					t.Fatalf("%s error = %v", cl.signature, err)
				}
			}

			want := []string{
				"DoWork 123",
				"DoWork <nil>",
				"DoWorkNamed 456 Test",
				"CompleteWork 456",
				"CheckPerson Test",
				"RunSchedule",
			}
			if got := journal.Entries(); !reflect.DeepEqual(got, want) {
				t.Errorf("journal = %v, want %v", got, want)
			}
		})
	}
}

func TestWorkError(t *testing.T) {
	reg, services, _ := setup(t, codec.Msgpack{})
	e := &encodingEnqueuer{codec: codec.Msgpack{}}

	id := 9
	_ = EnqueueWorkError(context.Background(), e, &id)
	invoke, _ := reg.Resolve(SigWorkError)

	err := invoke(context.Background(), services, e.calls[0].payload)
	if !errors.Is(err, ErrWorkFailed) {
		t.Errorf("error = %v, want ErrWorkFailed", err)
	}
}
