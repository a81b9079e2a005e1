package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dove-platform/dgw/controlplane/internal/xgrpc"
)

// ServiceName is the gRPC service name of the management API.
const ServiceName = "dgw.Gateway"

// FullMethod returns the full gRPC method name of the named method.
func FullMethod(method string) string {
	return xgrpc.Method{Service: ServiceName, Name: method}.String()
}

// unary builds the descriptor of a unary method served by fn.
//
// Errors returned by fn are converted into gRPC statuses before the
// interceptors see them. Interceptors see the decoded request.
func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			req := new(Req)
			if err := fromStruct(in, req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}

			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(srv.(*Service), ctx, req.(*Req))
				if err != nil {
					return nil, statusError(err)
				}
				out, err := toStruct(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateService", (*Service).CreateService),
		unary("DeleteService", (*Service).DeleteService),
		unary("SetServiceAttributes", (*Service).SetServiceAttributes),
		unary("ListServices", (*Service).ListServices),
		unary("ShowService", (*Service).ShowService),
		unary("InterfaceIP", (*Service).InterfaceIP),
		unary("DomainVLAN", (*Service).DomainVLAN),
		unary("MAC", (*Service).MAC),
		unary("Domain", (*Service).Domain),
		unary("InternalVIP", (*Service).InternalVIP),
		unary("ForwardRule", (*Service).ForwardRule),
		unary("ExternalVIP", (*Service).ExternalVIP),
		unary("VNIDSubnet", (*Service).VNIDSubnet),
		unary("ExtSharedVNID", (*Service).ExtSharedVNID),
		unary("ExtMcastVNID", (*Service).ExtMcastVNID),
		unary("SetOverlayIP", (*Service).SetOverlayIP),
		unary("SetDMCIP", (*Service).SetDMCIP),
		unary("SetOverlayPort", (*Service).SetOverlayPort),
		unary("SetDPSServer", (*Service).SetDPSServer),
		unary("SetPeer", (*Service).SetPeer),
		unary("SetEnabled", (*Service).SetEnabled),
		unary("ResetStats", (*Service).ResetStats),
		unary("Resolve", (*Service).Resolve),
		unary("RequestBroadcastList", (*Service).RequestBroadcastList),
		unary("RequestGatewayList", (*Service).RequestGatewayList),
		unary("Status", (*Service).Status),
		unary("Save", (*Service).Save),
		unary("UpdateLogLevel", (*Service).UpdateLogLevel),
		unary("Version", (*Service).Version),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dgw/gateway",
}

