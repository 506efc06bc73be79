package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack encodes parameters as MessagePack.
type Msgpack struct{}

// Encode serializes v as MessagePack.
func (Msgpack) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return []byte{}, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return data, nil
}

// Decode deserializes MessagePack data into v.
func (Msgpack) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return nil
}

// ContentType returns application/msgpack.
func (Msgpack) ContentType() string { return ContentTypeMsgpack }

// MsgpackLZ4 encodes parameters as MessagePack wrapped in an LZ4 frame.
type MsgpackLZ4 struct{}

// Encode serializes v as LZ4-compressed MessagePack.
func (MsgpackLZ4) Encode(v any) ([]byte, error) {
	raw, err := Msgpack{}.Encode(v)
	if err != nil || len(raw) == 0 {
		return raw, err
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses and deserializes data into v.
func (MsgpackLZ4) Decode(data []byte, v any) error {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return fmt.Errorf("failed to decompress payload: %w", err)
	}
	return Msgpack{}.Decode(raw, v)
}

// ContentType returns application/msgpack+lz4.
func (MsgpackLZ4) ContentType() string { return ContentTypeMsgpackLZ4 }
