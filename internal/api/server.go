// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/api/handlers"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/repository"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API description.
func OpenAPISpec() []byte {
	return openAPISpec
}

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *domain.Config
	version string

	accounts   handlers.AccountStore
	clients    handlers.ClientManager
	repository Repository

	torrentsHandler *handlers.TorrentsHandler
}

// Repository is the sync surface the API serves.
type Repository interface {
	repository.TorrentRepository
	handlers.AccountForgetter
}

type Dependencies struct {
	Config     *domain.Config
	Version    string
	Accounts   handlers.AccountStore
	Clients    handlers.ClientManager
	Repository Repository
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:     log.Logger.With().Str("module", "api").Logger(),
		config:     deps.Config,
		version:    deps.Version,
		accounts:   deps.Accounts,
		clients:    deps.Clients,
		repository: deps.Repository,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("baseUrl", s.config.BaseURL).
		Msgf("Starting API server - Open: http://%s%s", host, s.baseURL())

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.torrentsHandler != nil {
		s.torrentsHandler.Close()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.version)
	accountsHandler := handlers.NewAccountsHandler(s.accounts, s.clients, s.repository)
	s.torrentsHandler = handlers.NewTorrentsHandler(s.repository)
	torrentsHandler := s.torrentsHandler

	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(openAPISpec)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", accountsHandler.ListAccounts)
			r.Post("/", accountsHandler.CreateAccount)

			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", accountsHandler.GetAccount)
				r.Put("/", accountsHandler.UpdateAccount)
				r.Delete("/", accountsHandler.DeleteAccount)
				r.Post("/login", accountsHandler.Login)

				r.Route("/torrents", func(r chi.Router) {
					r.Get("/", torrentsHandler.ListTorrents)
					r.Post("/refresh", torrentsHandler.RefreshTorrents)
					r.Post("/load-more", torrentsHandler.LoadMoreTorrents)
					r.Post("/bulk-action", torrentsHandler.BulkAction)
					r.Get("/{hash}", torrentsHandler.GetTorrent)
				})

				r.Get("/categories", torrentsHandler.GetCategories)
				r.Get("/tags", torrentsHandler.GetTags)
				r.Get("/version", torrentsHandler.GetVersion)
			})
		})
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Mount(s.baseURL()+"api", apiRouter)

	return r, nil
}
