package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-unitalert-service/internal/api"
	"github.com/tinywideclouds/go-unitalert-service/internal/pipeline"
	"github.com/tinywideclouds/go-unitalert-service/notificationservice/config"
)

// Triggers is everything the service drives: the passive event triggers and
// the caller commands. *triggers.Triggers satisfies it.
type Triggers interface {
	pipeline.Triggers
	api.Commands
}

// SessionCloser releases every open native session. *registry.Registry
// satisfies it.
type SessionCloser interface {
	ShutdownAll()
}

// Dependencies groups what New wires together. Invalidator and Metrics are
// optional.
type Dependencies struct {
	Consumer       messagepipeline.MessageConsumer
	Triggers       Triggers
	Invalidator    pipeline.Invalidator
	Sessions       SessionCloser
	Metrics        http.Handler
	AuthMiddleware func(http.Handler) http.Handler
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.WriteEvent]
	sessions        SessionCloser
	logger          *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(deps.Triggers, deps.Invalidator, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		deps.Consumer,
		pipeline.WriteEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Commands)
	commandAPI := api.NewCommandAPI(deps.Triggers, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(deps.AuthMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/announcements", commandAPI.Announce)
	handle("POST /api/v1/payment-return", commandAPI.PaymentReturn)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		sessions:        deps.Sessions,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops intake first, then the HTTP server, then closes native
// sessions. Later calls return the first result.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() {
		w.logger.Info("Shutting down service components...")
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			w.shutdownErr = err
		}
		if err := w.BaseServer.Shutdown(ctx); err != nil {
			w.logger.Error("HTTP server shutdown failed.", "err", err)
			w.shutdownErr = err
		}
		if w.sessions != nil {
			w.sessions.ShutdownAll()
		}
		w.logger.Info("Service shutdown complete.")
	})
	return w.shutdownErr
}
