package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ismaiel54/order-details-service/internal/config"
	"github.com/ismaiel54/order-details-service/internal/details"
	"github.com/ismaiel54/order-details-service/internal/logging"
	"github.com/ismaiel54/order-details-service/internal/msg"
	"github.com/ismaiel54/order-details-service/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("order-details")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting order-details service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.GroupID),
		zap.String("transactional_id", cfg.TransactionalID),
	)

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)

	// Create gRPC server (health service only)
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Create the validation service. The dialer owns the Kafka connection
	// for the lifetime of the pipeline goroutine.
	service := details.New(
		func(bootstrapServers string) (details.StreamClient, error) {
			return msg.DialTransact(parseBrokers(bootstrapServers), msg.TransactConfig{
				Group:           cfg.GroupID,
				TransactionalID: cfg.TransactionalID,
				Topic:           cfg.InputTopic,
			}, logger)
		},
		details.Options{
			OutputTopic: cfg.OutputTopic,
			PollTimeout: cfg.PollTimeout,
		},
		logger,
	)

	service.Start(cfg.KafkaBrokers)
	healthChecker.SetPipelineRunning(true)

	// Readiness follows the pipeline loop; a fatal transactional failure
	// (e.g. a fenced producer) terminates it.
	go func() {
		<-service.Done()
		healthChecker.SetPipelineRunning(false)
	}()

	// Wait for interrupt signal or pipeline exit
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-service.Done():
		logger.Error("pipeline terminated, shutting down")
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	service.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	grpcServer.GracefulStop()

	logger.Info("order-details service stopped")
}

func parseBrokers(brokers string) []string {
	out := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
