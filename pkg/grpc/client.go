package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/discovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// TrackingClient calls the order tracking service.
type TrackingClient struct {
	conn *grpc.ClientConn
}

// DialTracking connects to the tracking service, preferring an instance found
// through discovery and falling back to fallback.
func DialTracking(ctx context.Context, disc *discovery.ServiceDiscovery, serviceName, fallback string, logger *zap.Logger, opts ...grpc.DialOption) (*TrackingClient, error) {
	target := fallback

	if disc != nil {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		instances, err := disc.Discover(dctx, serviceName)
		if err == nil && len(instances) > 0 {
			target = instances[0].Addr()
			logger.Info("Discovered tracking service", zap.String("address", target))
		} else {
			logger.Info("Using default address for tracking service", zap.String("address", target))
		}
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tracking service: %w", err)
	}
	return &TrackingClient{conn: conn}, nil
}

// Track fetches an order's tracking view. The caller is whoever the
// connection's or the call's TokenAuth names.
func (c *TrackingClient) Track(ctx context.Context, orderID uint, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Track", map[string]any{"order_id": orderID}, opts)
}

// UpdateStatus moves an order to shipped or delivered.
func (c *TrackingClient) UpdateStatus(ctx context.Context, orderID uint, status, trackingNumber, notes string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "UpdateStatus", map[string]any{
		"order_id":        orderID,
		"status":          status,
		"tracking_number": trackingNumber,
		"notes":           notes,
	}, opts)
}

func (c *TrackingClient) invoke(ctx context.Context, method string, fields map[string]any, opts []grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrackingClient) Close() error {
	return c.conn.Close()
}
