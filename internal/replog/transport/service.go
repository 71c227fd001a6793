package transport

import (
	"context"

	"google.golang.org/grpc"

	"replog/internal/replog"
)

const (
	serviceName         = "replog.Replication"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"
)

// replicationServiceDesc describes the single unary AppendEntries call. Messages are encoded by the replog codec, so
// there is no generated protobuf code behind it.
var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replog.AppendEntriesHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler:    appendEntriesHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog",
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(replog.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}

	handler := srv.(replog.AppendEntriesHandler)
	if interceptor == nil {
		return handler.AppendEntries(ctx, req)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: appendEntriesMethod,
	}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return handler.AppendEntries(ctx, req.(*replog.AppendEntriesRequest))
	})
}

// RegisterReplicationServer registers handler as the AppendEntries service of s
func RegisterReplicationServer(s grpc.ServiceRegistrar, handler replog.AppendEntriesHandler) {
	s.RegisterService(&replicationServiceDesc, handler)
}
