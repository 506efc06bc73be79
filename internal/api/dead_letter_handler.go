package api

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"backgrounder-go/internal/broker"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// DeadLetterHandler handles HTTP requests for dead letters.
type DeadLetterHandler struct {
	reader broker.DeadLetterReader
	logger *slog.Logger
}

// NewDeadLetterHandler creates a new dead-letter handler.
func NewDeadLetterHandler(reader broker.DeadLetterReader, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		reader: reader,
		logger: logger,
	}
}

// List handles GET /v1/dead-letters
// Query parameters: limit (default 100, max 1000)
func (h *DeadLetterHandler) List(c *fiber.Ctx) error {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return BadRequest(c, "limit must be a positive integer")
		}
		limit = min(n, maxDeadLetterLimit)
	}

	deadLetters, err := h.reader.DeadLetters(c.UserContext(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		return BrokerUnavailable(c, "failed to list dead letters")
	}

	return Success(c, map[string]any{
		"deadLetters": deadLetters,
		"count":       len(deadLetters),
	})
}
