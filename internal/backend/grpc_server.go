package backend

import (
	"context"
	"errors"

	"possync/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// NewGRPCServer returns a server exposing impl as the backend service.
func NewGRPCServer(impl Backend, logger *zerolog.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		serverLoggingInterceptor(logger),
		requireIdempotencyInterceptor(),
	))
	RegisterGRPCServer(s, impl)
	return s
}

// RegisterGRPCServer registers impl on s.
func RegisterGRPCServer(s *grpc.Server, impl Backend) {
	s.RegisterService(&serviceDesc, &grpcService{impl: impl})
}

type grpcService struct {
	impl Backend
}

type grpcRequest struct {
	SaleID    string              `json:"sale_id"`
	InvoiceID string              `json:"invoice_id"`
	Status    string              `json:"status"`
	Sale      models.SalePayload  `json:"sale"`
	Email     models.EmailPayload `json:"email"`
	Print     models.PrintPayload `json:"print"`
}

var mutatingMethods = map[string]bool{
	methodCreateSale:          true,
	methodUpdateInvoiceStatus: true,
	methodSendInvoiceEmail:    true,
	methodRequestInvoicePrint: true,
}

func requireIdempotencyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if mutatingMethods[info.FullMethod] && idempotencyKeyFromContext(ctx) == "" {
			return nil, status.Error(codes.InvalidArgument, "missing idempotency-key metadata")
		}
		return handler(ctx, req)
	}
}

func idempotencyKeyFromContext(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	return first(md.Get(IdempotencyMetadata))
}

func (s *grpcService) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	var req grpcRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	key := idempotencyKeyFromContext(ctx)

	var (
		out any = map[string]any{}
		err error
	)
	switch method {
	case methodCreateSale:
		err = s.impl.CreateSale(ctx, key, req.SaleID, req.Sale)
	case methodUpdateInvoiceStatus:
		err = s.impl.UpdateInvoiceStatus(ctx, key, req.InvoiceID, req.Status)
	case methodSendInvoiceEmail:
		err = s.impl.SendInvoiceEmail(ctx, key, req.InvoiceID, req.Email)
	case methodRequestInvoicePrint:
		err = s.impl.RequestInvoicePrint(ctx, key, req.InvoiceID, req.Print)
	case methodGetInvoice:
		var inv *models.Invoice
		inv, err = s.impl.GetInvoice(ctx, req.InvoiceID)
		if inv != nil {
			out = inv
		}
	case methodPing:
		err = s.impl.Ping(ctx)
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	resp, err := toStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unaryHandler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*grpcService)
		if interceptor == nil {
			return svc.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return svc.call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// grpcBackendServer exists only to give the service descriptor a handler type.
type grpcBackendServer interface{}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*grpcBackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSale", Handler: unaryHandler(methodCreateSale)},
		{MethodName: "UpdateInvoiceStatus", Handler: unaryHandler(methodUpdateInvoiceStatus)},
		{MethodName: "SendInvoiceEmail", Handler: unaryHandler(methodSendInvoiceEmail)},
		{MethodName: "RequestInvoicePrint", Handler: unaryHandler(methodRequestInvoicePrint)},
		{MethodName: "GetInvoice", Handler: unaryHandler(methodGetInvoice)},
		{MethodName: "Ping", Handler: unaryHandler(methodPing)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "possync/backend/v1/backend.proto",
}
