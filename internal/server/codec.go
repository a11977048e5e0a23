package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets gRPC clients talk to the ops service with plain JSON
// bodies (content-subtype "json") instead of generated protobuf types.
// The service descriptor below is hand-registered, so there is no proto
// toolchain in the build.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
