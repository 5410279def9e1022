package channel

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "quorumdb.cluster.Cluster"

	methodOpenSession = "/" + ServiceName + "/OpenSession"
	methodDeliver     = "/" + ServiceName + "/Deliver"
	methodPing        = "/" + ServiceName + "/Ping"
	methodGossip      = "/" + ServiceName + "/Gossip"

	mdNode    = "x-quorumdb-node"
	mdChannel = "x-quorumdb-channel"
	mdSession = "x-quorumdb-session"
	mdToken   = "x-quorumdb-token"
)

// clusterServer is the server API of the cluster service.
type clusterServer interface {
	OpenSession(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Ping(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Gossip(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*clusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Gossip", Handler: gossipHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumdb/cluster.proto",
}

func openSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(clusterServer).OpenSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodOpenSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(clusterServer).OpenSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(clusterServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeliver}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(clusterServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(clusterServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(clusterServer).Ping(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func gossipHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(clusterServer).Gossip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGossip}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(clusterServer).Gossip(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
