package domvariant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/abdom/domvariant/internal/sink"
	"github.com/hazyhaar/abdom/domvariant/internal/store"
	"github.com/hazyhaar/abdom/idgen"
	"github.com/hazyhaar/abdom/kit"
	"github.com/hazyhaar/abdom/shield"
)

// Version is reported by /healthz and the MCP implementation.
const Version = "0.3.0"

const pruneInterval = time.Hour

// Server serves previews over HTTP and MCP.
type Server struct {
	cfg       *Config
	logger    *slog.Logger
	previewer *Previewer
	store     *store.Store
	router    chi.Router
	httpSrv   *http.Server
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer opens the configured sinks and builds the routes behind the
// shield middleware:
//
//	POST /v1/preview   preview JSON API
//	GET  /healthz      liveness
//	GET  /metrics      Prometheus metrics
//	     /mcp          MCP streamable HTTP (abdom_preview)
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	session := idgen.Prefixed("srv_", idgen.UUIDv7())()
	sinks, err := OpenSinks(cfg, session, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		previewer: NewPreviewer(cfg, WithPreviewLogger(logger), WithPreviewSinks(sinks...)),
		done:      make(chan struct{}),
	}
	for _, sk := range sinks {
		if sq, ok := sk.(*sink.SQLite); ok {
			s.store = sq.Store()
			break
		}
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "abdom", Version: Version}, nil)
	s.previewer.RegisterMCP(mcpSrv)

	preview := kit.Chain(
		kit.WithRequestIDs(nil),
		kit.Logging(logger, "preview"),
		kit.Timeout(cfg.Server.WriteTimeout),
	)(s.previewer.endpoint())

	stack, limiter := shield.Stack(shield.Config{
		MaxBody: cfg.Server.MaxBody,
		Rate:    shield.Rate{Requests: cfg.Server.RateLimit.Requests, Window: cfg.Server.RateLimit.Window},
		Exempt:  []string{"/healthz", "/metrics"},
		Logger:  logger,
	})
	if limiter != nil {
		limiter.StartGC(s.done)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(stack...)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		kit.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	r.Handle("/metrics", s.previewer.Metrics().Handler())
	r.Method(http.MethodPost, "/v1/preview", kit.HTTPHandler(preview, s.decodePreview))
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	s.router = r
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Previewer returns the previewer behind the routes.
func (s *Server) Previewer() *Previewer { return s.previewer }

func (s *Server) decodePreview(r *http.Request) (any, error) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	return &req, nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Old events are pruned from the store when a retention is configured.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.store != nil && s.cfg.Store.Retention > 0 {
		go s.pruneLoop(ctx)
	}

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("domvariant: server listening", "addr", s.cfg.Server.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("domvariant: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("domvariant: shutdown: %w", err)
	}
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		s.Prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune deletes stored events older than the configured retention.
func (s *Server) Prune(ctx context.Context) int64 {
	if s.store == nil || s.cfg.Store.Retention <= 0 {
		return 0
	}
	before := time.Now().Add(-s.cfg.Store.Retention).UnixMilli()
	n, err := s.store.Prune(ctx, before)
	if err != nil {
		s.logger.Warn("domvariant: prune failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("domvariant: pruned events", "count", n)
	}
	return n
}

// Close releases the sinks, the store and the browser.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeOnce.Do(func() { close(s.done) })
	return s.previewer.Close()
}
