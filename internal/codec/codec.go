// Package codec defines the serialization contract for operation parameters
// and provides MessagePack and JSON implementations.
package codec

import (
	"fmt"
	"reflect"
	"strings"
)

// Content types declared by the built-in codecs.
const (
	ContentTypeMsgpack    = "application/msgpack"
	ContentTypeMsgpackLZ4 = "application/msgpack+lz4"
	ContentTypeJSON       = "application/json"
)

// Codec names accepted in configuration.
const (
	NameMsgpack    = "msgpack"
	NameMsgpackLZ4 = "msgpack-lz4"
	NameJSON       = "json"
)

// Codec encodes parameter records to bytes and back.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes v. A nil value (untyped or a typed nil pointer, map
	// or slice) encodes to an empty payload.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into the value pointed to by v.
	Decode(data []byte, v any) error

	// ContentType returns the media type attached to every envelope.
	ContentType() string
}

// ByName returns the codec registered under a configuration name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameMsgpack, "":
		return Msgpack{}, nil
	case NameMsgpackLZ4:
		return MsgpackLZ4{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ForContentType returns the codec that produces the given content type.
func ForContentType(contentType string) (Codec, bool) {
	switch contentType {
	case ContentTypeMsgpack:
		return Msgpack{}, true
	case ContentTypeMsgpackLZ4:
		return MsgpackLZ4{}, true
	case ContentTypeJSON:
		return JSON{}, true
	default:
		return nil, false
	}
}

// isNil reports whether v is nil or a nil pointer, map, slice or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
