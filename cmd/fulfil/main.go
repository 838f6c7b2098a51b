// Command fulfil moves an order to shipped or delivered through the order
// tracking service, authenticating with the shared service token.
//
//	fulfil -order 42 -status shipped -tracking EG123456789 -notes "Picked up by Aramex"
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/discovery"
	"github.com/example/storefront/pkg/grpc"
	"github.com/example/storefront/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	addr := flag.String("addr", "", "tracking service address when discovery has no instance (default localhost:<server.port>)")
	orderID := flag.Uint("order", 0, "order id")
	next := flag.String("status", "", "new status: shipped or delivered")
	trackingNumber := flag.String("tracking", "", "carrier tracking number")
	notes := flag.String("notes", "", "note stored in the order history")
	flag.Parse()

	if *orderID == 0 || *next == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Log, "fulfil")
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	if cfg.Server.AuthToken == "" {
		log.Fatal("No service auth token configured, set STOREFRONT_SERVER_AUTH_TOKEN")
	}

	fallback := *addr
	if fallback == "" {
		fallback = net.JoinHostPort("localhost", strconv.Itoa(cfg.Server.Port))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Service discovery is optional
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd)
	if err != nil {
		log.Warn("Failed to connect to etcd, using fallback address", zap.Error(err))
	} else {
		defer sd.Close()
	}

	client, err := grpc.DialTracking(ctx, sd, cfg.Server.Name, fallback, log, grpc.WithServiceToken(cfg.Server.AuthToken))
	if err != nil {
		log.Fatal("Failed to dial tracking service", zap.Error(err))
	}
	defer client.Close()

	summary, err := client.UpdateStatus(ctx, *orderID, *next, *trackingNumber, *notes)
	if err != nil {
		st := status.Convert(err)
		log.Fatal("Status update rejected",
			zap.Uint("order_id", *orderID),
			zap.String("code", st.Code().String()),
			zap.String("message", st.Message()))
	}

	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(summary)
	if err != nil {
		log.Fatal("Failed to encode response", zap.Error(err))
	}
	fmt.Println(string(out))
}
