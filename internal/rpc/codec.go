package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// JSONCodecName selects the JSON codec on a per-call basis via
// grpc.CallContentSubtype. The ark daemon has no published protobuf stubs;
// its service speaks JSON frames over gRPC, so its client pairs
// conn.Invoke with this codec and plain structs.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return JSONCodecName
}
