package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/thisisjab/logcast/engine"
	"github.com/thisisjab/logcast/entity"
	"github.com/thisisjab/logcast/live"
)

const (
	defaultKeepAlive = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// MessageService is the part of the engine the HTTP layer talks to.
type MessageService interface {
	Submit(ctx context.Context, sub engine.Submission) (entity.LogMessage, error)
	Query(ctx context.Context, q engine.Query) ([]entity.LogMessage, error)
}

type Subscriber interface {
	Subscribe(events ...string) *live.Subscription
}

type server struct {
	cfg      Config
	logger   *slog.Logger
	messages MessageService
	hub      Subscriber
}

func NewServer(cfg Config, logger *slog.Logger, messages MessageService, hub Subscriber) (*server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if messages == nil {
		return nil, errors.New("no message service is configured")
	}

	if hub == nil {
		return nil, errors.New("no live hub is configured")
	}

	if cfg.SubscribeKeepAlive == 0 {
		cfg.SubscribeKeepAlive = defaultKeepAlive
	}

	return &server{
		cfg:      cfg,
		logger:   logger,
		messages: messages,
		hub:      hub,
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// Methods are checked by the handlers themselves, the legacy clients expect their own 405 bodies.
	mux.HandleFunc("/broadcastMessage", s.broadcastMessageHandler)
	mux.Handle("/getMessages", gzhttp.GzipHandler(http.HandlerFunc(s.getMessagesHandler)))
	mux.HandleFunc("GET /subscribe", s.subscribeHandler)
	mux.HandleFunc("GET /api/healthcheck", s.healthCheckHandler)

	return s.recoverPanicMiddleware(s.requestLoggerMiddleware(s.corsMiddleware(mux)))
}

func (s *server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server", "addr", s.cfg.Addr)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to shutdown server", "addr", s.cfg.Addr, "error", err)
		}
	}()

	var serverErr error
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		s.logger.Info("starting server with TLS", "addr", s.cfg.Addr)
		serverErr = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		s.logger.Info("starting server without TLS", "addr", s.cfg.Addr)
		serverErr = srv.ListenAndServe()
	}

	if serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
		return serverErr
	}

	return nil
}
