package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the order tracking service.
const ServiceName = "storefront.tracking.v1.OrderTracking"

// TrackingService exposes order tracking to internal callers. Messages are
// google.protobuf.Struct so no generated stubs are needed.
type TrackingService interface {
	Track(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var trackingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Track", Handler: unaryHandler("Track", TrackingService.Track)},
		{MethodName: "UpdateStatus", Handler: unaryHandler("UpdateStatus", TrackingService.UpdateStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/tracking/v1/tracking.proto",
}

func unaryHandler(method string, call func(TrackingService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TrackingService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TrackingService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type TrackingServer struct {
	orders *order.Service
	auth   *Authenticator
	logger *zap.Logger
	server *grpc.Server
	health *health.Server
}

func NewTrackingServer(orders *order.Service, auth *Authenticator, logger *zap.Logger) *TrackingServer {
	s := &TrackingServer{
		orders: orders,
		auth:   auth,
		logger: logger.Named("tracking-rpc"),
		health: health.NewServer(),
	}

	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary, auth.unary))
	s.server.RegisterService(&trackingServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Serve blocks serving on lis.
func (s *TrackingServer) Serve(lis net.Listener) error {
	s.logger.Info("Order tracking service started", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

func (s *TrackingServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

func (s *TrackingServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Track returns the tracking view of an order the caller owns.
func (s *TrackingServer) Track(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	orderID, err := uintField(req, "order_id")
	if err != nil {
		return nil, err
	}

	view, err := s.orders.Track(ctx, actor, orderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

// UpdateStatus needs an administrator session or the fulfilment secret.
func (s *TrackingServer) UpdateStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	orderID, err := uintField(req, "order_id")
	if err != nil {
		return nil, err
	}
	next, ok := models.ParseOrderStatus(stringField(req, "status"))
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "unknown status")
	}

	o, err := s.orders.UpdateStatus(ctx, actor, orderID, next,
		stringField(req, "tracking_number"), stringField(req, "notes"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(order.NewSummary(o))
}

func (s *TrackingServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("RPC",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("latency", time.Since(start)))
	return resp, err
}

func uintField(req *structpb.Struct, name string) (uint, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	n := v.GetNumberValue()
	if n < 1 || n != float64(uint64(n)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a positive integer", name)
	}
	return uint(n), nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

// toStruct converts a JSON-tagged view into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindBadPayload, apperr.KindEmptyCart:
		code = codes.InvalidArgument
	case apperr.KindNotFound:
		code = codes.NotFound
	case apperr.KindForbidden, apperr.KindSignatureMismatch:
		code = codes.PermissionDenied
	case apperr.KindUnauthorized:
		code = codes.Unauthenticated
	case apperr.KindInvalidTransition, apperr.KindInsufficientStock:
		code = codes.FailedPrecondition
	case apperr.KindConflict:
		code = codes.Aborted
	case apperr.KindPaymentInitiation:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, apperr.Message(err))
}
