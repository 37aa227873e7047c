// Package origin implements the local HLS origin: a tiny HTTP server that
// re-exposes a playback session's variant set and fragments under URLs an
// hls.js-style consumer (or this module's own renderer, in loopback tests)
// can fetch, rewriting the provider's mtproto:<fileId> resource references
// into locally fetchable partfile<fileId>.mp4 routes. See spec.md §6.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/hlsplayer/internal/config"
)

// ResourceFetcher resolves a partfile's fileID into a byte range of its
// underlying resource, abstracting over however the embedding app actually
// reaches mtproto storage. start/length follow the HTTP Range semantics
// already used throughout this module; length 0 means "to EOF".
type ResourceFetcher interface {
	Fetch(ctx context.Context, fileID string, start, length int64) (io.ReadCloser, int64, error)
}

// Server is the local fragment origin: a chi-routed HTTP server with no
// OpenAPI surface, since it serves three fixed, byte-range-aware routes
// rather than a general REST API.
type Server struct {
	cfg        config.ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
	registry   *Registry
	fetcher    ResourceFetcher
}

// NewServer constructs a Server bound to registry for session/playlist
// lookups and fetcher for partfile byte-range resolution. gatherer backs
// the /metrics route; pass nil to fall back to the default global
// Prometheus registry.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, registry *Registry, fetcher ResourceFetcher, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(requestID)
	router.Use(recovery(logger))

	s := &Server{cfg: cfg, router: router, logger: logger, registry: registry, fetcher: fetcher}

	router.Get("/{sessionID}/master.m3u8", s.handleMaster)
	router.Get("/{sessionID}/hls_level_{height}.m3u8", s.handleMedia)
	router.Get("/{sessionID}/partfile{fileID}.mp4", s.handlePartfile)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Router returns the chi router for tests or additional route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	text, ok := s.registry.masterPlaylist(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(text))
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	height, err := strconv.Atoi(chi.URLParam(r, "height"))
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}
	text, ok := s.registry.mediaPlaylist(sessionID, height)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(text))
}

func (s *Server) handlePartfile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	start, length, hasRange := parseRangeHeader(r.Header.Get("Range"))

	body, total, err := s.fetcher.Fetch(r.Context(), fileID, start, length)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "partfile fetch failed",
			slog.String("file_id", fileID),
			slog.String("request_id", getRequestID(r.Context())),
			slog.Any("error", err),
		)
		http.Error(w, "fetch failed", http.StatusBadGateway)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")

	if hasRange {
		end := start + length - 1
		if length == 0 && total > 0 {
			end = total - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
	}

	io.Copy(w, body)
}

// parseRangeHeader parses a single-range "bytes=start-end" request header.
// ok is false when no Range header was present, in which case the caller
// should serve the full resource.
func parseRangeHeader(header string) (start, length int64, ok bool) {
	if header == "" {
		return 0, 0, false
	}
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		return start, 0, true
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end - start + 1, true
}

// Start runs the origin's HTTP server, blocking until it errors or is shut
// down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting local HLS origin", slog.String("address", s.cfg.Address()))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("origin: starting server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the origin's HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("origin: shutting down server: %w", err)
	}
	return nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled, then
// gracefully shuts it down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
