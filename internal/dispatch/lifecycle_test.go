package dispatch_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"backgrounder-go/internal/backoff"
	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/broker/memory"
	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/dispatch"
	"backgrounder-go/internal/enqueue"
	"backgrounder-go/internal/registry"
	"backgrounder-go/internal/sample"
)

var _ = Describe("Operation lifecycle", func() {
	var (
		ctx      context.Context
		queue    *memory.Broker
		enqueuer *enqueue.Enqueuer
		svc      *dispatch.Service
		journal  *sample.Journal
		started  chan error
	)

	start := func(policy backoff.Policy) {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		c := codec.MsgpackLZ4{}

		reg := registry.New()
		Expect(sample.Register(reg, c)).To(Succeed())

		journal = &sample.Journal{}
		services := registry.NewServices()
		sample.Provide(services, logger, journal)

		queue = memory.NewBroker(memory.Options{Concurrency: 4, LockDuration: time.Second})
		enqueuer = enqueue.NewEnqueuer(queue, c, logger)
		svc = dispatch.NewService(queue, reg, services, policy, logger,
			dispatch.WithPollInterval(10*time.Millisecond),
		)

		started = make(chan error, 1)
		go func() { started <- svc.Start(ctx) }()
	}

	deadLetters := func() []broker.DeadLetter {
		dls, err := queue.DeadLetters(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		return dls
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(svc.Stop(ctx, 5*time.Second)).To(Succeed())
		Eventually(started).Should(Receive(BeNil()))
		Expect(queue.Close()).To(Succeed())
	})

	Context("when every operation succeeds", func() {
		BeforeEach(func() {
			start(backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 10 * time.Millisecond, MaxAttempts: 3})
		})

		It("runs each enqueued operation once and acknowledges it", func() {
			id := 123
			name := "Test"
			Expect(sample.EnqueueDoWork(ctx, enqueuer, &id)).To(Succeed())
			Expect(sample.EnqueueDoWorkNamed(ctx, enqueuer, 456, &name)).To(Succeed())
			Expect(sample.EnqueueCompleteWork(ctx, enqueuer, 456)).To(Succeed())
			Expect(sample.EnqueueCheckPerson(ctx, enqueuer, sample.Person{Name: "Test"})).To(Succeed())
			Expect(sample.EnqueueStaticWork(ctx, enqueuer, 1)).To(Succeed())
			Expect(sample.RunScheduler(ctx, enqueuer)).To(Succeed())

			Eventually(queue.Acked).WithTimeout(2 * time.Second).Should(BeEquivalentTo(6))
			Expect(journal.Entries()).To(ConsistOf(
				"DoWork 123",
				"DoWorkNamed 456 Test",
				"CompleteWork 456",
				"CheckPerson Test",
				"RunSchedule",
			))
			Expect(queue.Scheduled()).To(BeZero())
			Expect(deadLetters()).To(BeEmpty())
		})
	})

	Context("when an operation keeps failing", func() {
		BeforeEach(func() {
			start(backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 10 * time.Millisecond, MaxAttempts: 3})
		})

		It("reschedules it until the retry budget is spent and then dead-letters it", func() {
			id := 9
			Expect(sample.EnqueueWorkError(ctx, enqueuer, &id)).To(Succeed())

			Eventually(deadLetters).WithTimeout(3 * time.Second).Should(HaveLen(1))

			dl := deadLetters()[0]
			Expect(dl.Reason).To(Equal(broker.ReasonMaxRetryReached))
			Expect(dl.Envelope.Signature).To(Equal(sample.SigWorkError))
			Expect(dl.Envelope.RetryCount()).To(Equal(4))
			Expect(dl.Description).To(ContainSubstring("work error"))

			Expect(queue.Scheduled()).To(BeEquivalentTo(3))
			Expect(journal.Entries()).To(HaveLen(4))
		})
	})

	Context("when no handler is registered", func() {
		BeforeEach(func() {
			start(backoff.Policy{Kind: backoff.KindLinear, BaseDelay: 10 * time.Millisecond, MaxAttempts: 3})
		})

		It("dead-letters the operation without retrying", func() {
			Expect(enqueuer.Enqueue(ctx, "sample.Unknown(int)", 1)).To(Succeed())

			Eventually(deadLetters).WithTimeout(2 * time.Second).Should(HaveLen(1))
			dl := deadLetters()[0]
			Expect(dl.Reason).To(Equal(broker.ReasonProcessorNotFound))
			Expect(dl.Description).To(Equal("Could not find background processor for 'sample.Unknown(int)'"))
			Expect(queue.Scheduled()).To(BeZero())
		})
	})

	Context("when shutting down", func() {
		BeforeEach(func() {
			start(backoff.Policy{Kind: backoff.KindLinear, BaseDelay: time.Hour, MaxAttempts: 3})
		})

		It("reports an idle service once everything has settled", func() {
			Expect(sample.EnqueueCompleteWork(ctx, enqueuer, 1)).To(Succeed())
			Eventually(queue.Acked).WithTimeout(2 * time.Second).Should(BeEquivalentTo(1))
			Expect(svc.IsBusy()).To(BeFalse())
			Expect(svc.InFlight()).To(BeZero())
		})
	})
})
