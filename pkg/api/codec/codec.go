// Package codec registers the JSON message codec used by every kvx gRPC
// service. Clients select it per call with CallOption; servers pick it from
// the request content subtype.
package codec

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype ("application/grpc+json").
const Name = "json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec implements encoding.Codec with json-iterator.
type Codec struct{}

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the codec name.
func (Codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(Codec{})
}

// CallOption selects the JSON codec for a client call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(Name)
}

// WithCallOptions prepends the codec selection to opts.
func WithCallOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{CallOption()}, opts...)
}
