// Package transport exposes a node's consensus state over gRPC and lets
// peers fetch blocks and submit attestations.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of JSONCodec.
const CodecName = "json"

func init() {
	// JSON 코덱 등록 - proto.Message를 구현하지 않은 타입도 전송
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec은 gRPC 메시지를 JSON으로 직렬화하는 코덱
type JSONCodec struct{}

// Name returns the content subtype clients select with grpc.CallContentSubtype.
func (JSONCodec) Name() string {
	return CodecName
}

// Marshal serializes the message to JSON.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal error")
	}
	return data, nil
}

// Unmarshal deserializes the message from JSON.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "json unmarshal error")
	}
	return nil
}
