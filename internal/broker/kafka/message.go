package kafka

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"backgrounder-go/internal/envelope"
)

// Header keys.
const (
	headerSignature      = "signature"
	headerContentType    = "content-type"
	headerReason         = "dead-letter-reason"
	headerDescription    = "dead-letter-description"
	headerDeadLetteredAt = "dead-lettered-at"

	attrPrefix = "attr:"
)

// ErrMalformedMessage is returned for records that do not carry an envelope.
var ErrMalformedMessage = errors.New("malformed kafka message")

// toMessage converts an envelope to a Kafka record keyed by its message id.
func toMessage(env *envelope.Envelope) kafka.Message {
	msg := kafka.Message{
		Key:     []byte(env.MessageID()),
		Value:   env.Payload,
		Headers: make([]kafka.Header, 0, 2+len(env.Attributes)),
	}
	msg.Headers = append(msg.Headers,
		kafka.Header{Key: headerSignature, Value: []byte(env.Signature)},
		kafka.Header{Key: headerContentType, Value: []byte(env.ContentType)},
	)
	for k, v := range env.Attributes {
		msg.Headers = append(msg.Headers, kafka.Header{Key: attrPrefix + k, Value: []byte(v)})
	}
	return msg
}

// fromMessage rebuilds an envelope from a Kafka record.
func fromMessage(msg kafka.Message) (*envelope.Envelope, error) {
	env := &envelope.Envelope{Attributes: envelope.Attributes{}}
	if len(msg.Value) > 0 {
		env.Payload = msg.Value
	}

	hasSignature := false
	for _, h := range msg.Headers {
		switch {
		case h.Key == headerSignature:
			env.Signature = string(h.Value)
			hasSignature = true
		case h.Key == headerContentType:
			env.ContentType = string(h.Value)
		case strings.HasPrefix(h.Key, attrPrefix):
			env.Attributes[strings.TrimPrefix(h.Key, attrPrefix)] = string(h.Value)
		}
	}
	if !hasSignature {
		return nil, fmt.Errorf("%w: missing %s header (partition %d, offset %d)",
			ErrMalformedMessage, headerSignature, msg.Partition, msg.Offset)
	}
	return env, nil
}

func toDeadLetterMessage(env *envelope.Envelope, reason, description string, at time.Time) kafka.Message {
	msg := toMessage(env)
	msg.Headers = append(msg.Headers,
		kafka.Header{Key: headerReason, Value: []byte(reason)},
		kafka.Header{Key: headerDescription, Value: []byte(description)},
		kafka.Header{Key: headerDeadLetteredAt, Value: []byte(at.UTC().Format(time.RFC3339Nano))},
	)
	return msg
}

// handle settles a delivery by committing its offset.
type handle struct {
	msg kafka.Message
}

// ID implements broker.Handle.
func (h handle) ID() string {
	return h.msg.Topic + "/" + strconv.Itoa(h.msg.Partition) + "/" + strconv.FormatInt(h.msg.Offset, 10)
}
