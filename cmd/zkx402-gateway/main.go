// zkx402-gateway serves pay-per-request content behind the x402 payment
// middleware, with proof-token discounts.
//
// Routes, prices and discount tiers come from a YAML file (--config).
// Without one, the gateway serves the demo route GET /motivate for $0.01
// on base-sepolia, discounted to 5000 atomic units for callers presenting
// both zkproofOf(human) and zkproofOf(instituion=NYT).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	x402 "github.com/becomeliminal/grpc-gateway-zkx402"
	"github.com/becomeliminal/grpc-gateway-zkx402/facilitator"
	x402grpc "github.com/becomeliminal/grpc-gateway-zkx402/grpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		grpcListen string
		payTo      string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("zkx402-gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML gateway configuration")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	flagSet.StringVar(&grpcListen, "grpc-listen", "", "gRPC listen address (overrides config)")
	flagSet.StringVar(&payTo, "pay-to", os.Getenv("ADDRESS"), "address receiving payments (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: zkx402-gateway [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	if payTo != "" {
		cfg.PayTo = payTo
	}
	if cfg.PayTo == "" {
		return fmt.Errorf("a payment address is required: set payTo, --pay-to or ADDRESS")
	}

	client := facilitator.NewClient(cfg.Facilitator.URL, facilitator.WithAuthHeaders(facilitator.StaticHeaders(cfg.Facilitator.Headers)))
	proofs := cfg.Proofs.NewVerifier(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(cfg.MiddlewareConfig(client, proofs, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Listen, "facilitator", cfg.Facilitator.URL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCListen != "" {
		grpcServer = newGRPCServer(cfg, client, proofs, logger)
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCListen, err)
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				errs <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*x402.FileConfig, error) {
	if path != "" {
		return x402.LoadConfig(path)
	}
	return x402.ParseConfig([]byte(demoConfig))
}

const demoConfig = `
skipPaths: ["/health"]
routes:
  GET /motivate:
    price: "$0.01"
    network: base-sepolia
    config:
      description: Get a motivational quote, discounted for verified humans
      mimeType: application/json
      extra:
        variableAmountRequired:
          - requestedProofs: "zkproofOf(human), zkproofOf(instituion=NYT)"
            amountRequired: "5000"
        contentMetadata:
          - proof: "zkproof(Edward Snowden)"
          - proof: "zkproof(human)"
`

// newRouter mounts the grpc-gateway mux behind the payment middleware.
func newRouter(cfg x402.Config) http.Handler {
	gwmux := runtime.NewServeMux(
		// Add payment metadata propagation to gRPC context
		x402.WithPaymentMetadata(),
	)

	// Backends registered with pb.RegisterXHandlerFromEndpoint are served
	// the same way; the demo route is a plain handler.
	if err := gwmux.HandlePath("GET", "/motivate", motivate); err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(x402.PaymentMiddleware(cfg))
		r.Handle("/*", gwmux)
	})

	return r
}

var quotes = []string{
	"The best way to get started is to quit talking and begin doing.",
	"It always seems impossible until it's done.",
	"Well done is better than well said.",
	"Small deeds done are better than great deeds planned.",
}

func motivate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	response := map[string]any{
		"quote": quotes[rand.IntN(len(quotes))],
	}

	if pattern, ok := x402.GetHTTPPathPattern(r.Context()); ok {
		response["route"] = pattern
	}
	if payment, ok := x402.GetPaymentFromContext(r.Context()); ok {
		response["paid"] = payment.Price
		response["payer"] = payment.PayerAddress
	}
	if metadata, ok := x402.GetVerificationMetadata(r.Context()); ok {
		response["verification"] = metadata
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func newGRPCServer(cfg *x402.FileConfig, client x402.Facilitator, proofs *x402.ProofVerifier, logger *slog.Logger) *grpc.Server {
	var opts []grpc.ServerOption
	if len(cfg.GRPCRoutes) > 0 {
		grpcCfg := cfg.MiddlewareConfig(client, proofs, logger)
		grpcCfg.Routes = cfg.GRPCRoutes
		opts = append(opts,
			grpc.ChainUnaryInterceptor(x402grpc.UnaryServerInterceptor(grpcCfg)),
			grpc.ChainStreamInterceptor(x402grpc.StreamServerInterceptor(grpcCfg)),
		)
	}

	server := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server
}
