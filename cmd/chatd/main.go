// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/AleutianChat/services/chatcore/autotitle"
	"github.com/AleutianAI/AleutianChat/services/chatcore/config"
	"github.com/AleutianAI/AleutianChat/services/chatcore/contextwindow"
	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/gateway"
	"github.com/AleutianAI/AleutianChat/services/chatcore/observability"
	"github.com/AleutianAI/AleutianChat/services/chatcore/reconcile"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
	"github.com/AleutianAI/AleutianChat/services/chatcore/stream"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		// Tracing is optional; run without an exporter when no collector
		// is configured.
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatcore-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func newLLMClient(defaultModel string) (llm.Generator, error) {
	backendType := os.Getenv("LLM_BACKEND_TYPE")
	switch backendType {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient(defaultModel)
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	case "":
		slog.Warn("LLM_BACKEND_TYPE not set, defaulting to ollama")
		return llm.NewOllamaClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE invalid, defaulting to ollama", "value", backendType)
		return llm.NewOllamaClient()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CHATCORE_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("FATAL: could not load configuration: %v", err)
	}

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	// --- Storage ---
	storageCfg := storage.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		storageCfg = storage.InMemoryConfig()
	}
	db, err := storage.Open(storageCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open storage at %s: %v", cfg.Storage.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("storage close failed", "error", err)
		}
	}()

	conversations := storage.NewConversationStore(db)
	messages := storage.NewMessageStore(db)
	gems := storage.NewGemStore(db)
	window := contextwindow.NewStore(db, contextwindow.Config{
		WindowSize:    cfg.Window.Size,
		HardCapFactor: cfg.Window.HardCapFactor,
		TTL:           cfg.WindowTTL(),
	})

	// --- LLM ---
	generator, err := newLLMClient(cfg.Backend.DefaultModel)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// --- Conversation mirror ---
	reconciler := reconcile.New(func(ctx context.Context) ([]datatypes.ConversationRecord, error) {
		return conversations.List(ctx)
	})
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := reconciler.Refresh(refreshCtx); err != nil {
					slog.Warn("conversation refresh failed", "error", err)
				}
			case <-refreshCtx.Done():
				return
			}
		}
	}()

	// --- Titles ---
	titleStates := autotitle.NewStateStore()
	titles := autotitle.NewEngine(generator, titleStates, cfg.TitleDebounce(),
		func(conversationID, title string) {
			reconciler.PatchTitle(conversationID, title)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conversations.Rename(ctx, conversationID, title); err != nil {
				slog.Warn("final title persist failed",
					"conversationId", conversationID, "error", err)
			}
		})
	defer titles.Close()

	// --- Streaming sessions ---
	metrics := observability.InitMetrics()
	manager, err := stream.NewManager(stream.ManagerConfig{
		Backend:       stream.NewHTTPBackend(cfg.Backend.BaseURL),
		Window:        window,
		Conversations: conversations,
		Messages:      messages,
		Reconciler:    reconciler,
		Titles:        titles,
		Summarizer:    generator,
		Metrics:       metrics,
		WindowSize:    cfg.Window.Size,
	})
	if err != nil {
		log.Fatalf("FATAL: could not create stream manager: %v", err)
	}

	handler, err := gateway.NewHandler(gateway.HandlerConfig{
		Manager:       manager,
		Reconciler:    reconciler,
		Conversations: conversations,
		Messages:      messages,
		Window:        window,
		Gems:          gems,
		Titles:        titles,
		TitleStates:   titleStates,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf("FATAL: could not create gateway handler: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("chatcore-service"))
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		slog.Info("starting the chat core server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting, drain in-flight streams, then let
	// the deferred closes flush badger and pending titles.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
