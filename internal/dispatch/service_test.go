package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"backgrounder-go/internal/backoff"
	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/broker/memory"
	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type scheduledCall struct {
	env     *envelope.Envelope
	readyAt time.Time
}

type deadLetterCall struct {
	handle      string
	env         *envelope.Envelope
	reason      string
	description string
}

// fakeBroker records every settlement call.
type fakeBroker struct {
	mu          sync.Mutex
	sent        []*envelope.Envelope
	scheduled   []scheduledCall
	acked       []string
	deadLetters []deadLetterCall

	scheduleErr error
	ackErr      error
	dlErr       error

	deliveries chan *broker.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan *broker.Delivery, 16)}
}

func (f *fakeBroker) Send(_ context.Context, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeBroker) ScheduleDelayed(_ context.Context, env *envelope.Envelope, readyAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, scheduledCall{env: env, readyAt: readyAt})
	return nil
}

func (f *fakeBroker) Acknowledge(_ context.Context, h broker.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, h.ID())
	return nil
}

func (f *fakeBroker) DeadLetter(_ context.Context, h broker.Handle, env *envelope.Envelope, reason, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dlErr != nil {
		return f.dlErr
	}
	f.deadLetters = append(f.deadLetters, deadLetterCall{handle: h.ID(), env: env, reason: reason, description: description})
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-f.deliveries:
			go func() {
				if err := handler(ctx, d); err != nil && onError != nil {
					onError(ctx, err)
				}
			}()
		}
	}
}

func (f *fakeBroker) Close() error { return nil }

func linearPolicy(maxAttempts int) backoff.Policy {
	return backoff.Policy{
		Kind:        backoff.KindLinear,
		BaseDelay:   time.Second,
		MaxAttempts: maxAttempts,
	}
}

func newTestService(b broker.Broker, reg *registry.Registry, policy backoff.Policy, opts ...Option) *Service {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithRandom(func() float64 { return 0.5 }),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	return NewService(b, reg, nil, policy, testLogger(), opts...)
}

func delivery(env *envelope.Envelope, id string) *broker.Delivery {
	return &broker.Delivery{Envelope: env, Handle: broker.StringHandle(id)}
}

func TestHandleDelivery_SuccessAcknowledges(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	var got []byte
	reg.Register("ok", func(_ context.Context, _ registry.Resolver, _ string, payload []byte) error {
		got = payload
		return nil
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	if err := svc.HandleDelivery(context.Background(), delivery(envelope.New("ok", "", []byte("p")), "d1")); err != nil {
		t.Fatalf("HandleDelivery() error = %v", err)
	}
	if string(got) != "p" {
		t.Errorf("handler payload = %q, want p", got)
	}
	if len(fb.acked) != 1 || fb.acked[0] != "d1" {
		t.Errorf("acked = %v, want [d1]", fb.acked)
	}
	if len(fb.scheduled) != 0 || len(fb.deadLetters) != 0 {
		t.Error("successful delivery should not be rescheduled or dead-lettered")
	}
	if svc.IsBusy() {
		t.Error("service should be idle after the delivery finished")
	}
}

func TestHandleDelivery_MissingHandlerDeadLetters(t *testing.T) {
	fb := newFakeBroker()
	var randomCalls atomic.Int32
	svc := newTestService(fb, registry.New(), backoff.Policy{
		Kind:        backoff.KindExponential,
		BaseDelay:   time.Second,
		MaxAttempts: 3,
		UseJitter:   true,
	}, WithRandom(func() float64 {
		randomCalls.Add(1)
		return 0.5
	}))

	env := envelope.New("pkg.Job.Gone(int)", "", nil)
	if err := svc.HandleDelivery(context.Background(), delivery(env, "d1")); err != nil {
		t.Fatalf("HandleDelivery() error = %v", err)
	}

	if len(fb.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(fb.deadLetters))
	}
	dl := fb.deadLetters[0]
	if dl.reason != broker.ReasonProcessorNotFound {
		t.Errorf("reason = %q", dl.reason)
	}
	if dl.description != "Could not find background processor for 'pkg.Job.Gone(int)'" {
		t.Errorf("description = %q", dl.description)
	}
	if dl.env.RetryCount() != 0 {
		t.Errorf("RetryCount = %d, want original 0", dl.env.RetryCount())
	}
	if randomCalls.Load() != 0 {
		t.Error("backoff should not be consulted for a missing handler")
	}
	if len(fb.scheduled) != 0 || len(fb.acked) != 0 {
		t.Error("missing handler should only dead-letter")
	}
}

func TestHandleDelivery_RetryExhaustion(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	var calls int
	reg.Register("fail", func(context.Context, registry.Resolver, string, []byte) error {
		calls++
		return errors.New("boom")
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	env := envelope.New("fail", "", nil)
	env.Set(envelope.AttrMessageID, "msg-1")
	for i := 0; i < 4; i++ {
		if err := svc.HandleDelivery(context.Background(), delivery(env, fmt.Sprintf("d%d", i))); err != nil {
			t.Fatalf("HandleDelivery() #%d error = %v", i, err)
		}
		if i < 3 {
			env = fb.scheduled[i].env
		}
	}

	if calls != 4 {
		t.Errorf("handler calls = %d, want 4", calls)
	}
	if len(fb.scheduled) != 3 {
		t.Fatalf("scheduled = %d, want 3", len(fb.scheduled))
	}
	for i, sc := range fb.scheduled {
		wantCount := i + 1
		if sc.env.RetryCount() != wantCount {
			t.Errorf("reschedule %d RetryCount = %d, want %d", i, sc.env.RetryCount(), wantCount)
		}
		if want := testNow.Add(time.Duration(wantCount) * time.Second); !sc.readyAt.Equal(want) {
			t.Errorf("reschedule %d readyAt = %v, want %v", i, sc.readyAt, want)
		}
		if sc.env.MessageID() != "msg-1" {
			t.Errorf("reschedule %d lost the message id", i)
		}
	}
	if len(fb.acked) != 3 {
		t.Errorf("acked = %d, want 3 originals released", len(fb.acked))
	}

	if len(fb.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(fb.deadLetters))
	}
	dl := fb.deadLetters[0]
	if dl.reason != broker.ReasonMaxRetryReached {
		t.Errorf("reason = %q", dl.reason)
	}
	if dl.env.RetryCount() != 4 {
		t.Errorf("dead-letter RetryCount = %d, want 4", dl.env.RetryCount())
	}
	if !strings.Contains(dl.description, "boom") {
		t.Errorf("description = %q, should carry the last error", dl.description)
	}
	if dl.handle != "d3" {
		t.Errorf("dead-lettered handle = %q, want d3", dl.handle)
	}
}

func TestHandleDelivery_DelayMatchesPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     backoff.Policy
		retryCount int
		want       time.Duration
	}{
		{"linear third attempt", backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 2 * time.Second, MaxAttempts: 10}, 2, 6 * time.Second},
		{"capped", backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 10}, 2, 5 * time.Second},
		{"fixed five minutes forever", backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 5 * time.Minute, MaxDelay: 5 * time.Minute, MaxAttempts: backoff.Unlimited}, 500, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBroker()
			reg := registry.New()
			reg.Register("fail", func(context.Context, registry.Resolver, string, []byte) error { return errors.New("boom") })
			svc := newTestService(fb, reg, tt.policy)

			env := envelope.New("fail", "", nil).WithRetry(tt.retryCount, 0)
			if err := svc.HandleDelivery(context.Background(), delivery(env, "d")); err != nil {
				t.Fatalf("HandleDelivery() error = %v", err)
			}
			if len(fb.scheduled) != 1 {
				t.Fatalf("scheduled = %d, want 1", len(fb.scheduled))
			}
			if got := fb.scheduled[0].readyAt.Sub(testNow); got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleDelivery_CarriesDelayState(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	reg.Register("fail", func(context.Context, registry.Resolver, string, []byte) error { return errors.New("boom") })
	svc := newTestService(fb, reg, backoff.Policy{
		Kind:        backoff.KindExponential,
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		UseJitter:   true,
	})

	env := envelope.New("fail", "", nil)
	_ = svc.HandleDelivery(context.Background(), delivery(env, "d1"))
	first := fb.scheduled[0].env
	_ = svc.HandleDelivery(context.Background(), delivery(first, "d2"))
	second := fb.scheduled[1].env

	if first.DelayState() <= 0 {
		t.Errorf("first DelayState = %v, want positive", first.DelayState())
	}
	if second.DelayState() <= first.DelayState() {
		t.Errorf("DelayState should grow: %v then %v", first.DelayState(), second.DelayState())
	}
	if env.RetryCount() != 0 {
		t.Error("the delivered envelope must not be mutated")
	}
}

func TestHandleDelivery_PanicIsRetried(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	reg.Register("panics", func(context.Context, registry.Resolver, string, []byte) error {
		panic("nil map write")
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	if err := svc.HandleDelivery(context.Background(), delivery(envelope.New("panics", "", nil), "d1")); err != nil {
		t.Fatalf("HandleDelivery() error = %v", err)
	}
	if len(fb.scheduled) != 1 || len(fb.acked) != 1 {
		t.Errorf("scheduled = %d, acked = %d, want 1/1", len(fb.scheduled), len(fb.acked))
	}
	if svc.InFlight() != 0 {
		t.Errorf("InFlight() = %d after panic, want 0", svc.InFlight())
	}
}

func TestHandleDelivery_TransportFault(t *testing.T) {
	transportErr := errors.New("broker unavailable")

	t.Run("schedule fails", func(t *testing.T) {
		fb := newFakeBroker()
		fb.scheduleErr = transportErr
		reg := registry.New()
		reg.Register("fail", func(context.Context, registry.Resolver, string, []byte) error { return errors.New("boom") })
		svc := newTestService(fb, reg, linearPolicy(3))

		err := svc.HandleDelivery(context.Background(), delivery(envelope.New("fail", "", nil), "d1"))
		if !errors.Is(err, ErrTransportFault) || !errors.Is(err, transportErr) {
			t.Errorf("error = %v, want ErrTransportFault wrapping the broker error", err)
		}
		if len(fb.acked) != 0 {
			t.Error("original must not be released when the retry copy was not stored")
		}
	})

	t.Run("acknowledge fails", func(t *testing.T) {
		fb := newFakeBroker()
		fb.ackErr = transportErr
		reg := registry.New()
		reg.Register("ok", func(context.Context, registry.Resolver, string, []byte) error { return nil })
		svc := newTestService(fb, reg, linearPolicy(3))

		err := svc.HandleDelivery(context.Background(), delivery(envelope.New("ok", "", nil), "d1"))
		if !errors.Is(err, ErrTransportFault) {
			t.Errorf("error = %v, want ErrTransportFault", err)
		}
	})

	t.Run("dead-letter fails", func(t *testing.T) {
		fb := newFakeBroker()
		fb.dlErr = transportErr
		svc := newTestService(fb, registry.New(), linearPolicy(3))

		err := svc.HandleDelivery(context.Background(), delivery(envelope.New("missing", "", nil), "d1"))
		if !errors.Is(err, ErrTransportFault) {
			t.Errorf("error = %v, want ErrTransportFault", err)
		}
	})
}

func TestHandleDelivery_HandlerContextOutlivesSubscription(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	reg.Register("slow", func(ctx context.Context, _ registry.Resolver, _ string, _ []byte) error {
		<-release
		handlerErr <- ctx.Err()
		return nil
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.HandleDelivery(ctx, delivery(envelope.New("slow", "", nil), "d1")) }()

	cancel()
	close(release)

	if err := <-handlerErr; err != nil {
		t.Errorf("handler context error = %v, want nil", err)
	}
	if err := <-done; err != nil {
		t.Errorf("HandleDelivery() error = %v", err)
	}
}

func TestHandleDelivery_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	fb := newFakeBroker()
	reg := registry.New()
	reg.Register("ok", func(context.Context, registry.Resolver, string, []byte) error { return nil })
	reg.Register("fail", func(context.Context, registry.Resolver, string, []byte) error { return errors.New("boom") })
	svc := newTestService(fb, reg, linearPolicy(3), WithTracer(tp.Tracer("test")))

	_ = svc.HandleDelivery(context.Background(), delivery(envelope.New("ok", "", nil), "d1"))
	_ = svc.HandleDelivery(context.Background(), delivery(envelope.New("fail", "", nil), "d2"))

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "backgrounder.dispatch" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("success span status = %v, want Ok", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failure span status = %v, want Error", spans[1].Status().Code)
	}
}

// startWithMemoryBroker runs the service over a memory broker with one
// registered operation and returns once the subscription is live.
func startWithMemoryBroker(t *testing.T, handler registry.InvokeFunc) (*Service, *memory.Broker, <-chan error) {
	t.Helper()
	q := memory.NewBroker(memory.Options{Concurrency: 4})
	t.Cleanup(func() { _ = q.Close() })

	reg := registry.New()
	reg.Register("work", handler)
	svc := NewService(q, reg, nil, linearPolicy(3), testLogger(), WithPollInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()
	return svc, q, done
}

func waitBusy(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !svc.IsBusy() {
		if time.Now().After(deadline) {
			t.Fatal("delivery never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStop_WaitsForInFlight(t *testing.T) {
	svc, q, done := startWithMemoryBroker(t, func(context.Context, registry.Resolver, string, []byte) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	_ = q.Send(context.Background(), envelope.New("work", "", nil))
	waitBusy(t, svc)

	start := time.Now()
	if err := svc.Stop(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("Stop() took %v, should return once the handler finished", elapsed)
	}
	if svc.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", svc.InFlight())
	}
	if q.Acked() != 1 {
		t.Errorf("Acked() = %d, the drained delivery should be settled", q.Acked())
	}
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestStop_TimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, q, _ := startWithMemoryBroker(t, func(context.Context, registry.Resolver, string, []byte) error {
		<-release
		return nil
	})
	_ = q.Send(context.Background(), envelope.New("work", "", nil))
	waitBusy(t, svc)

	start := time.Now()
	err := svc.Stop(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Stop() error = %v, want ErrDrainTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v, want about 50ms", elapsed)
	}
	if !svc.IsBusy() {
		t.Error("handler should still be running after a drain timeout")
	}
}

func TestStop_HonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, q, _ := startWithMemoryBroker(t, func(context.Context, registry.Resolver, string, []byte) error {
		<-release
		return nil
	})
	_ = q.Send(context.Background(), envelope.New("work", "", nil))
	waitBusy(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := svc.Stop(ctx, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}
}

func TestStop_IdleReturnsImmediately(t *testing.T) {
	svc := newTestService(newFakeBroker(), registry.New(), linearPolicy(3))
	if err := svc.Stop(context.Background(), time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	// A service stopped before it started never subscribes
	if err := svc.Start(context.Background()); err != nil {
		t.Errorf("Start() after Stop error = %v", err)
	}
}

func TestStart_Twice(t *testing.T) {
	fb := newFakeBroker()
	svc := newTestService(fb, registry.New(), linearPolicy(3))

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		started := svc.started
		svc.mu.Unlock()
		if started || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	_ = svc.Stop(context.Background(), time.Second)
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestHandleDelivery_DecodesByContentType(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	got := -1
	registry.Func(reg, codec.Msgpack{}, "work(int)", func(_ context.Context, p struct{ JobID int }) error {
		got = p.JobID
		return nil
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	env := envelope.New("work(int)", codec.ContentTypeJSON, []byte(`{"JobID":42}`))
	if err := svc.HandleDelivery(context.Background(), delivery(env, "d1")); err != nil {
		t.Fatalf("HandleDelivery() error = %v", err)
	}

	if got != 42 {
		t.Errorf("JobID = %d, want 42", got)
	}
	if len(fb.acked) != 1 || len(fb.scheduled) != 0 {
		t.Errorf("acked = %v, scheduled = %d; want one ack and no retry", fb.acked, len(fb.scheduled))
	}
}

func TestHandleDelivery_UnsupportedContentTypeDeadLetters(t *testing.T) {
	fb := newFakeBroker()
	reg := registry.New()
	registry.Func(reg, codec.Msgpack{}, "work(int)", func(context.Context, struct{ JobID int }) error {
		t.Error("handler should not run")
		return nil
	})
	svc := newTestService(fb, reg, linearPolicy(3))

	env := envelope.New("work(int)", "application/xml", []byte("<job/>"))
	if err := svc.HandleDelivery(context.Background(), delivery(env, "d1")); err != nil {
		t.Fatalf("HandleDelivery() error = %v", err)
	}

	if len(fb.scheduled) != 0 {
		t.Errorf("scheduled = %d, want 0", len(fb.scheduled))
	}
	if len(fb.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(fb.deadLetters))
	}
	dl := fb.deadLetters[0]
	if dl.reason != broker.ReasonUnsupportedContentType {
		t.Errorf("reason = %q", dl.reason)
	}
	if !strings.Contains(dl.description, "application/xml") {
		t.Errorf("description = %q", dl.description)
	}
}

// handoffBroker receives deliveries and holds each one back until release is
// closed before calling the handler, like a broker whose worker goroutine has
// not been scheduled yet.
type handoffBroker struct {
	*fakeBroker
	received chan struct{}
	release  chan struct{}
}

func (h *handoffBroker) Subscribe(ctx context.Context, handler broker.DeliveryHandler, _ broker.ErrorHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-h.deliveries:
			wg.Add(1)
			h.received <- struct{}{}
			go func() {
				defer wg.Done()
				<-h.release
				_ = handler(ctx, d)
			}()
		}
	}
}

func TestStop_WaitsForHandedOffDelivery(t *testing.T) {
	hb := &handoffBroker{
		fakeBroker: newFakeBroker(),
		received:   make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	reg := registry.New()
	reg.Register("ok", func(context.Context, registry.Resolver, string, []byte) error { return nil })
	svc := newTestService(hb, reg, linearPolicy(3))

	started := make(chan error, 1)
	go func() { started <- svc.Start(context.Background()) }()

	hb.deliveries <- delivery(envelope.New("ok", "", nil), "d1")
	<-hb.received

	stopped := make(chan error, 1)
	go func() { stopped <- svc.Stop(context.Background(), 2*time.Second) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop() returned %v before the handed-off delivery ran", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(hb.release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(hb.acked) != 1 {
		t.Errorf("acked = %v, want the delivery settled before Stop returned", hb.acked)
	}
	if err := <-started; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}
