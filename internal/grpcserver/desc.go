package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryMethod func(server MileageServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = map[string]unaryMethod{
	"GetBalance":           MileageServiceServer.GetBalance,
	"GetTransactions":      MileageServiceServer.GetTransactions,
	"HasSufficientMileage": MileageServiceServer.HasSufficientMileage,
	"AddMileage":           MileageServiceServer.AddMileage,
	"DeductMileage":        MileageServiceServer.DeductMileage,
	"AuditBalance":         MileageServiceServer.AuditBalance,
}

// ServiceDesc describes mileage.v1.MileageService. Messages are google.protobuf.Struct.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MileageServiceServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "mileage/v1/mileage.proto",
}

func methodDescs() []grpc.MethodDesc {
	names := []string{"GetBalance", "GetTransactions", "HasSufficientMileage", "AddMileage", "DeductMileage", "AuditBalance"}
	descs := make([]grpc.MethodDesc, 0, len(names))
	for _, name := range names {
		descs = append(descs, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, unaryMethods[name])})
	}
	return descs
}

func unaryHandler(name string, method unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(server.(MileageServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return method(server.(MileageServiceServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// Client calls mileage.v1.MileageService.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, name string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+name, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "GetBalance", request, options...)
}

func (client *Client) GetTransactions(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "GetTransactions", request, options...)
}

func (client *Client) HasSufficientMileage(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "HasSufficientMileage", request, options...)
}

func (client *Client) AddMileage(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "AddMileage", request, options...)
}

func (client *Client) DeductMileage(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "DeductMileage", request, options...)
}

func (client *Client) AuditBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "AuditBalance", request, options...)
}
