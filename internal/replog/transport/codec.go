package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"replog/internal/replog"
	"replog/internal/replog/wire"
)

// codecName is the gRPC content-subtype of every replication call. Both sides must have the codec registered, which
// importing this package does.
const codecName = "replog"

// codec moves AppendEntries messages over gRPC in the same protobuf wire format the log uses on disk
type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return wire.MarshalRequest(m), nil
	case *replog.AppendEntriesResult:
		return wire.MarshalResult(m), nil
	default:
		return nil, fmt.Errorf("replog codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return wire.UnmarshalRequest(data, m)
	case *replog.AppendEntriesResult:
		return wire.UnmarshalResult(data, m)
	default:
		return fmt.Errorf("replog codec: cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodec(codec{})
}
