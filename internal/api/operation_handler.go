package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"backgrounder-go/internal/enqueue"
)

// Enqueuer publishes operations.
type Enqueuer interface {
	Enqueue(ctx context.Context, signature string, params any) error
}

// Catalog is the view of the operation registry used by the API.
type Catalog interface {
	Signatures() []string
	Has(signature string) bool
}

// OperationHandler handles HTTP requests for operations.
type OperationHandler struct {
	catalog  Catalog
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewOperationHandler creates a new operation handler.
func NewOperationHandler(catalog Catalog, enqueuer Enqueuer, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{
		catalog:  catalog,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// EnqueueRequest is the body of POST /v1/operations/enqueue.
type EnqueueRequest struct {
	Signature  string          `json:"signature"`
	Parameters json.RawMessage `json:"parameters"`
}

// List handles GET /v1/operations
func (h *OperationHandler) List(c *fiber.Ctx) error {
	return Success(c, map[string]any{
		"operations": h.catalog.Signatures(),
	})
}

// Enqueue handles POST /v1/operations/enqueue
// Publishes the operation and returns 202 Accepted; it runs asynchronously.
func (h *OperationHandler) Enqueue(c *fiber.Ctx) error {
	var req EnqueueRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		h.logger.Debug("failed to parse enqueue body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	if strings.TrimSpace(req.Signature) == "" {
		return ValidationError(c, "signature is required")
	}
	if !h.catalog.Has(req.Signature) {
		return UnknownOperation(c, req.Signature)
	}

	params, err := decodeParameters(req.Parameters)
	if err != nil {
		return ValidationError(c, "parameters must be a JSON object: "+err.Error())
	}

	if err := h.enqueuer.Enqueue(c.UserContext(), req.Signature, params); err != nil {
		if errors.Is(err, enqueue.ErrInvalidArgument) {
			return ValidationError(c, err.Error())
		}
		h.logger.Error("failed to enqueue operation", "error", err, "signature", req.Signature)
		if errors.Is(err, enqueue.ErrPublishFailed) {
			return BrokerUnavailable(c, "failed to publish operation")
		}
		return InternalError(c, "failed to enqueue operation")
	}

	h.logger.Debug("operation accepted", "signature", req.Signature)

	return Accepted(c, map[string]string{
		"status":    "accepted",
		"signature": req.Signature,
	})
}

// decodeParameters turns the raw parameters into a value the configured
// codec can encode. Integral numbers stay integers so they decode into
// integer fields under every codec.
func decodeParameters(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return normalize(params).(map[string]any), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = normalize(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalize(inner)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
