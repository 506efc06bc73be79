package redis

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/envelope"
)

// Stream entry fields.
const (
	fieldSignature      = "signature"
	fieldContentType    = "content_type"
	fieldPayload        = "payload"
	fieldReason         = "reason"
	fieldDescription    = "description"
	fieldDeadLetteredAt = "dead_lettered_at"

	attrPrefix = "attr:"
)

// ErrMalformedEntry is returned for stream entries that do not carry an
// envelope.
var ErrMalformedEntry = errors.New("malformed stream entry")

// toValues flattens an envelope into stream entry fields.
func toValues(env *envelope.Envelope) map[string]any {
	values := make(map[string]any, 3+len(env.Attributes))
	values[fieldSignature] = env.Signature
	values[fieldContentType] = env.ContentType
	values[fieldPayload] = string(env.Payload)
	for k, v := range env.Attributes {
		values[attrPrefix+k] = v
	}
	return values
}

// fromValues rebuilds an envelope from stream entry fields.
func fromValues(values map[string]any) (*envelope.Envelope, error) {
	sig, ok := values[fieldSignature].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedEntry, fieldSignature)
	}

	env := &envelope.Envelope{
		Signature:  sig,
		Attributes: envelope.Attributes{},
	}
	if ct, ok := values[fieldContentType].(string); ok {
		env.ContentType = ct
	}
	if p, ok := values[fieldPayload].(string); ok && p != "" {
		env.Payload = []byte(p)
	}
	for k, v := range values {
		name, found := strings.CutPrefix(k, attrPrefix)
		if !found {
			continue
		}
		if s, ok := v.(string); ok {
			env.Attributes[name] = s
		}
	}
	return env, nil
}

// deadLetterValues adds dead-letter metadata to the envelope fields.
func deadLetterValues(env *envelope.Envelope, reason, description string, at time.Time) map[string]any {
	values := toValues(env)
	values[fieldReason] = reason
	values[fieldDescription] = description
	values[fieldDeadLetteredAt] = at.UTC().Format(time.RFC3339Nano)
	return values
}

func deadLetterFromValues(values map[string]any) (broker.DeadLetter, error) {
	env, err := fromValues(values)
	if err != nil {
		return broker.DeadLetter{}, err
	}
	dl := broker.DeadLetter{Envelope: env}
	dl.Reason, _ = values[fieldReason].(string)
	dl.Description, _ = values[fieldDescription].(string)
	if at, ok := values[fieldDeadLetteredAt].(string); ok {
		dl.DeadLetterAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	return dl, nil
}

// encodeMember renders a delayed envelope as its sorted-set member: a
// MessagePack array of stream field/value pairs, sorted by field, which the
// relay script unpacks straight into XADD. The message id attribute keeps
// members of distinct messages distinct.
func encodeMember(env *envelope.Envelope) (string, error) {
	values := toValues(env)
	fields := slices.Sorted(maps.Keys(values))

	pairs := make([]string, 0, 2*len(fields))
	for _, f := range fields {
		pairs = append(pairs, f, values[f].(string))
	}
	data, err := msgpack.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("failed to encode scheduled message: %w", err)
	}
	return string(data), nil
}
