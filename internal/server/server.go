package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/serverutil"
	"streamhub/internal/transport"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr    string
	TLS     TLSConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *Handler, ws *transport.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if ws == nil {
		return nil, fmt.Errorf("websocket handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/sessions", handler.Sessions)
	mux.HandleFunc("GET /api/sessions/{id}/chat", handler.SessionChat)
	mux.Handle("/ws", ws)

	handlerChain := http.Handler(mux)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.WithComponent(s.logger, "http"),
		OnListen: func(addr net.Addr) {
			if s.logger != nil {
				s.logger.Info("listening", "addr", addr.String(), "tls", s.tlsCertFile != "")
			}
		},
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
	})
}
