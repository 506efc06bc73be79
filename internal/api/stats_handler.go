package api

import (
	"github.com/gofiber/fiber/v2"

	"backgrounder-go/internal/backoff"
)

// Dispatcher exposes the runtime state of the dispatch loop.
type Dispatcher interface {
	InFlight() int64
	IsBusy() bool
	Policy() backoff.Policy
}

// StatsHandler serves dispatch loop statistics.
type StatsHandler struct {
	dispatcher Dispatcher
	queueName  string
	broker     string
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(dispatcher Dispatcher, queueName, brokerKind string) *StatsHandler {
	return &StatsHandler{
		dispatcher: dispatcher,
		queueName:  queueName,
		broker:     brokerKind,
	}
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Queue    string      `json:"queue"`
	Broker   string      `json:"broker"`
	InFlight int64       `json:"inFlight"`
	Busy     bool        `json:"busy"`
	Retry    RetryPolicy `json:"retry"`
}

// RetryPolicy describes the configured backoff policy.
type RetryPolicy struct {
	Kind        string `json:"kind"`
	BaseDelay   string `json:"baseDelay"`
	MaxDelay    string `json:"maxDelay,omitempty"`
	MaxAttempts int    `json:"maxAttempts"`
	Unlimited   bool   `json:"unlimited"`
	UseJitter   bool   `json:"useJitter"`
}

// Get handles GET /v1/stats
func (h *StatsHandler) Get(c *fiber.Ctx) error {
	p := h.dispatcher.Policy()

	retry := RetryPolicy{
		Kind:        string(p.Kind),
		BaseDelay:   p.BaseDelay.String(),
		MaxAttempts: p.MaxAttempts,
		Unlimited:   p.MaxAttempts < 0,
		UseJitter:   p.UseJitter,
	}
	if p.MaxDelay > 0 {
		retry.MaxDelay = p.MaxDelay.String()
	}

	return Success(c, StatsResponse{
		Queue:    h.queueName,
		Broker:   h.broker,
		InFlight: h.dispatcher.InFlight(),
		Busy:     h.dispatcher.IsBusy(),
		Retry:    retry,
	})
}
