// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the chat server together: tracing, metrics,
// the LLM gateway, the chat store, middleware and routes.
//
// # Description
//
// The orchestrator is the HTTP front of AleutianChat. It relays prompts to
// the configured LLM backend, persists every exchange in the chat store and
// streams responses to clients as server-sent events.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatstore"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceName tags spans and the otelgin middleware.
const serviceName = "aleutian-chat-orchestrator"

// Trace exporters selectable with Config.TracesExporter.
const (
	TracesExporterOTLP   = "otlp"
	TracesExporterStdout = "stdout"
	TracesExporterNone   = "none"
)

var metricsOnce sync.Once

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the orchestrator server lifecycle.
//
// # Description
//
// Service encapsulates the HTTP server, tracer and backends. Run blocks
// until the context is cancelled or the listener fails, then shuts the
// server down gracefully and releases the backends.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is done.
	Run(ctx context.Context) error

	// Router returns the Gin router for testing.
	Router() *gin.Engine

	// Close releases the store and flushes the tracer. Run calls it.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration.
//
// # Description
//
// Zero values are replaced by applyConfigDefaults. The yaml tags let the
// CLI embed Config as the `server` section of its config file.
type Config struct {
	// Port is the HTTP server port. Default: 12210.
	Port int `yaml:"port"`

	// LLM selects and configures the generation backend.
	LLM llm.Config `yaml:"llm"`

	// Store selects and configures the chat store.
	Store chatstore.Config `yaml:"store"`

	// OTelEndpoint is the OTLP gRPC collector address.
	// Default: "aleutian-otel-collector:4317".
	OTelEndpoint string `yaml:"otel_endpoint"`

	// TracesExporter is otlp, stdout or none. Default: otlp.
	TracesExporter string `yaml:"traces_exporter"`

	// CORSOrigins lists allowed browser origins; "*" allows any.
	// Default: http://localhost:3000.
	CORSOrigins []string `yaml:"cors_origins"`

	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// SecureAccumulator keeps streamed responses in locked memory.
	SecureAccumulator bool `yaml:"secure_accumulator"`

	// MaxResponseBytes bounds one streamed response. Default: 512 KiB.
	MaxResponseBytes int `yaml:"max_response_bytes"`

	// EnableMetrics registers the Prometheus collectors.
	EnableMetrics bool `yaml:"enable_metrics"`

	// GinMode is passed to gin.SetMode when set.
	GinMode string `yaml:"gin_mode"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Option overrides a collaborator, mainly for tests.
type Option func(*service)

// WithGateway uses g instead of building one from Config.LLM.
func WithGateway(g llm.Gateway) Option {
	return func(s *service) { s.gateway = g }
}

// WithStore uses st instead of opening Config.Store. The service closes it.
func WithStore(st chatstore.Store) Option {
	return func(s *service) { s.store = st }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// =============================================================================
// Struct Definition
// =============================================================================

type service struct {
	config        Config
	logger        *slog.Logger
	router        *gin.Engine
	gateway       llm.Gateway
	store         chatstore.Store
	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator service.
//
// # Description
//
// Initializes all components:
//   - OpenTelemetry tracer (OTLP gRPC, stdout or none)
//   - Prometheus metrics
//   - LLM gateway, rate limited when LLM.RateLimit is set
//   - Chat store
//   - Gin router with tracing, CORS, rate limiting and the chat routes
//
// # Inputs
//
//   - ctx: Bounds backend connection checks (redis ping, weaviate schema).
//   - cfg: Service configuration.
//   - opts: Collaborator overrides.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a component fails to initialize. Anything already
//     opened is released.
func New(ctx context.Context, cfg Config, opts ...Option) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		metricsOnce.Do(func() {
			observability.InitMetrics()
			s.logger.Info("Initialized Prometheus metrics for chat")
		})
	}

	if s.gateway == nil {
		s.gateway, err = llm.New(s.config.LLM, s.logger)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize LLM gateway: %w", err)
		}
	}
	s.logger.Info("LLM gateway ready", "backend", s.config.LLM.Backend, "model", s.config.LLM.Model)

	if s.store == nil {
		s.store, err = chatstore.New(ctx, s.config.Store, chatstore.WithLogger(s.logger))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize chat store: %w", err)
		}
	}
	s.logger.Info("Chat store ready", "backend", s.config.Store.Backend)

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Methods
// =============================================================================

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
//
// # Description
//
// In-flight requests, including open streams, get ShutdownTimeout to
// finish. Streams still open after that are cut off by closing the
// listener's connections.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Graceful shutdown timed out", "error", err)
		_ = srv.Close()
	}
	return nil
}

// Router returns the Gin router.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases the store and flushes pending spans. Safe to call twice.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("Chat store close error", "error", err)
				s.closeErr = err
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
	return s.closeErr
}

// =============================================================================
// Initialization Helpers
// =============================================================================

// applyConfigDefaults fills in default values for unset config fields.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = llm.BackendGemini
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = chatstore.BackendBadger
	}
	if cfg.Store.Backend == chatstore.BackendBadger && cfg.Store.BadgerPath == "" && !cfg.Store.BadgerInMemory {
		cfg.Store.BadgerPath = "./data/chats"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	cfg.TracesExporter = strings.ToLower(strings.TrimSpace(cfg.TracesExporter))
	if cfg.TracesExporter == "" {
		cfg.TracesExporter = TracesExporterOTLP
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{middleware.DefaultAllowedOrigin}
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS) + 1
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = services.DefaultMaxResponseBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	cfg.EnableMetrics = true
	return cfg
}

// initTracer installs the global tracer provider for the chosen exporter.
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch s.config.TracesExporter {
	case TracesExporterNone:
		s.logger.Info("Tracing disabled")
		return nil, nil
	case TracesExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case TracesExporterOTLP:
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown traces exporter %q", s.config.TracesExporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown trace provider", "error", err)
		}
	}
	return cleanup, nil
}

// newAccumulatorFactory picks locked or plain memory for stream buffers.
func (s *service) newAccumulatorFactory() services.AccumulatorFactory {
	if s.config.SecureAccumulator {
		return services.NewSecureAccumulatorFactory(s.config.MaxResponseBytes)
	}
	return services.NewPlainAccumulatorFactory(s.config.MaxResponseBytes)
}

// initRouter builds the Gin engine and registers the chat routes.
func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	s.router.Use(otelgin.Middleware(serviceName))
	s.router.Use(middleware.CORS(s.config.CORSOrigins))
	if s.config.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)
		s.router.Use(limiter.Middleware())
	}

	chat := services.NewChatService(s.gateway, s.store,
		services.WithAccumulatorFactory(s.newAccumulatorFactory()),
		services.WithServiceLogger(s.logger))
	routes.SetupRoutes(s.router, chat)
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// Compile-time interface check
var _ Service = (*service)(nil)
