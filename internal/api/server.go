// Package api is the REST surface of caspianwatch: report submission and
// lifecycle transitions, listings, identity endpoints, media, health, and
// metrics. Handlers translate HTTP to lifecycle, listing, and auth calls
// and map their typed errors onto status codes.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/lifecycle"
	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/storage"
)

// BlobStore holds uploaded images.
type BlobStore interface {
	Put(ctx context.Context, bucket string, r io.Reader) (string, error)
	Open(ctx context.Context, handle string) (io.ReadSeekCloser, *blob.Info, error)
	Delete(ctx context.Context, handle string) error
}

// Config wires a Server.
type Config struct {
	Store   storage.Storage
	Engine  *lifecycle.Engine
	Listing *listing.Service
	Auth    *auth.Service
	Blobs   BlobStore
	Logger  *log.Logger
	Metrics *Metrics

	// PublicURL prefixes absolute links; empty means the request's host.
	PublicURL     string
	MaxUploadSize int64
	Version       string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the REST API.
type Server struct {
	store     storage.Storage
	engine    *lifecycle.Engine
	listing   *listing.Service
	auth      *auth.Service
	chain     auth.Chain
	blobs     BlobStore
	logger    *log.Logger
	metrics   *Metrics
	publicURL string
	maxUpload int64
	version   string
	started   time.Time

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	listener net.Listener
	handler  http.Handler
}

// New builds a Server. Store, Engine, Listing, Auth, and Blobs are required.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("api: store is required")
	case cfg.Engine == nil:
		return nil, errors.New("api: lifecycle engine is required")
	case cfg.Listing == nil:
		return nil, errors.New("api: listing service is required")
	case cfg.Auth == nil || cfg.Auth.Tokens() == nil:
		return nil, errors.New("api: auth service with a token issuer is required")
	case cfg.Blobs == nil:
		return nil, errors.New("api: blob store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = blob.DefaultMaxSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		store:   cfg.Store,
		engine:  cfg.Engine,
		listing: cfg.Listing,
		auth:    cfg.Auth,
		chain: auth.Chain{
			auth.BearerStrategy{Tokens: cfg.Auth.Tokens(), Store: cfg.Store},
			auth.HandleStrategy{Store: cfg.Store},
		},
		blobs:           cfg.Blobs,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		publicURL:       strings.TrimRight(cfg.PublicURL, "/"),
		maxUpload:       cfg.MaxUploadSize,
		version:         cfg.Version,
		started:         time.Now(),
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.handler = s.instrument(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /media/{handle...}", s.handleMedia)

	mux.HandleFunc("POST /api/auth/register/{$}", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login/{$}", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh/{$}", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/link-telegram/{$}", s.handleLinkTelegram)

	mux.HandleFunc("GET /api/pollutions/{$}", s.handleListReports)
	mux.HandleFunc("POST /api/pollutions/{$}", s.handleCreateReport)
	mux.HandleFunc("GET /api/pollutions/{id}/{$}", s.handleGetReport)
	mux.HandleFunc("POST /api/pollutions/{id}/assign/{$}", s.handleAssign)
	mux.HandleFunc("POST /api/pollutions/{id}/unassign/{$}", s.handleUnassign)
	mux.HandleFunc("POST /api/pollutions/{id}/complete/{$}", s.handleComplete)
	mux.HandleFunc("POST /api/pollutions/{id}/approve/{$}", s.handleApprove)
	mux.HandleFunc("POST /api/pollutions/{id}/reject/{$}", s.handleReject)
	mux.HandleFunc("GET /api/pollution-types/{$}", s.handleListCategories)

	mux.HandleFunc("GET /api/user/profile/{$}", s.handleProfile)
	mux.HandleFunc("GET /api/user/assigned-pollutions/{$}", s.handleAssigned)
	mux.HandleFunc("POST /api/notify-admins/{$}", s.handleNotifyAdmins)

	return mux
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

// Addr returns the bound address once ListenAndServe has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
