package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "dictpack.v1.Control"

// ControlServer is the server API for the control service. Messages are well-known types,
// so no generated code is involved.
type ControlServer interface {
	TryUpdate(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	CancelUpdate(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	RegisterClient(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteClient(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ListClients(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListWordLists(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	MarkWordList(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	InstallIfNeverRequested(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMeteredPolicy(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	AddPreInstalled(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WordListsForLocale(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	OpenWordList(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func method[Req, Resp proto.Message](name string, newReq func() Req, call func(ControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ControlServer)
			if ic == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newStruct() *structpb.Struct        { return new(structpb.Struct) }

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		method("TryUpdate", newEmpty, ControlServer.TryUpdate),
		method("CancelUpdate", newString, ControlServer.CancelUpdate),
		method("RegisterClient", newStruct, ControlServer.RegisterClient),
		method("DeleteClient", newString, ControlServer.DeleteClient),
		method("ListClients", newEmpty, ControlServer.ListClients),
		method("ListWordLists", newString, ControlServer.ListWordLists),
		method("MarkWordList", newStruct, ControlServer.MarkWordList),
		method("InstallIfNeverRequested", newStruct, ControlServer.InstallIfNeverRequested),
		method("SetMeteredPolicy", newString, ControlServer.SetMeteredPolicy),
		method("AddPreInstalled", newStruct, ControlServer.AddPreInstalled),
		method("WordListsForLocale", newStruct, ControlServer.WordListsForLocale),
		method("OpenWordList", newStruct, ControlServer.OpenWordList),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlClient calls the control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, name string, in proto.Message, out Resp, opts []grpc.CallOption) (Resp, error) {
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		var zero Resp
		return zero, err
	}
	return out, nil
}

func (c *ControlClient) TryUpdate(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return invoke(ctx, c.cc, "TryUpdate", in, new(wrapperspb.BoolValue), opts)
}

func (c *ControlClient) CancelUpdate(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "CancelUpdate", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) RegisterClient(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "RegisterClient", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) DeleteClient(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "DeleteClient", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) ListClients(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c.cc, "ListClients", in, new(structpb.ListValue), opts)
}

func (c *ControlClient) ListWordLists(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c.cc, "ListWordLists", in, new(structpb.ListValue), opts)
}

func (c *ControlClient) MarkWordList(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "MarkWordList", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) InstallIfNeverRequested(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.cc, "InstallIfNeverRequested", in, new(structpb.Struct), opts)
}

func (c *ControlClient) SetMeteredPolicy(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "SetMeteredPolicy", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) AddPreInstalled(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke(ctx, c.cc, "AddPreInstalled", in, new(emptypb.Empty), opts)
}

func (c *ControlClient) WordListsForLocale(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c.cc, "WordListsForLocale", in, new(structpb.ListValue), opts)
}

func (c *ControlClient) OpenWordList(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	return invoke(ctx, c.cc, "OpenWordList", in, new(wrapperspb.BytesValue), opts)
}
