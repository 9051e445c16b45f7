package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the content subtype both transports use: Connect sends
// "application/cbor", gRPC sends "application/grpc+cbor".
const codecName = "cbor"

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: cbor encoder: %v", err))
	}
}

// cborCodec satisfies both connect.Codec and grpc's encoding.Codec. The
// run service messages are plain structs, so no protobuf runtime is needed.
type cborCodec struct{}

func (cborCodec) Name() string {
	return codecName
}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
