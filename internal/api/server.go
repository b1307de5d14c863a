// Package api serves the playback status endpoints over HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/duet/internal/certs"
	"github.com/zsiec/duet/internal/ingest"
	"github.com/zsiec/duet/internal/stats"
)

// shutdownTimeout bounds the graceful shutdown of the TCP listener.
const shutdownTimeout = 5 * time.Second

// StatsProvider supplies the playback snapshot served at /api/playback.
type StatsProvider interface {
	Snapshot() stats.Snapshot
}

// IngestLister returns connection stats for every live network input.
type IngestLister func() []ingest.Stats

// ServerConfig holds the listen address, certificate and data sources for
// the status Server.
type ServerConfig struct {
	Addr   string
	Cert   *certs.CertInfo
	Stats  StatsProvider
	Ingest IngestLister
	Logger *slog.Logger
}

// Server is the status API. The same handler is served over TCP (HTTPS)
// and UDP (HTTP/3) on one address.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a status Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Stats == nil {
		return nil, errors.New("api: Stats is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config: config,
		log:    log.With("component", "api"),
	}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/playback", s.handlePlayback)
	mux.HandleFunc("GET /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// Handler returns the http.Handler serving every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 endpoint on TCP responses once
// the QUIC listener exists.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS and HTTP/3 until ctx is cancelled or either listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: s.config.Cert.TLSConfig(http3.NextProtoH3),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	httpSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         s.config.Cert.TLSConfig("h2", "http/1.1"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("status API listening", "addr", s.config.Addr,
		"self_signed", s.config.Cert.SelfSigned,
		"cert_expires", s.config.Cert.NotAfter.Format(time.RFC3339))

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("https shutdown", "error", err)
		}
		s.h3.Close()
	})
	defer stop()

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.h3.ListenAndServe(); err != nil && ctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http3: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash       string `json:"hash"`
	Addr       string `json:"addr"`
	SelfSigned bool   `json:"selfSigned"`
	NotAfter   string `json:"notAfter"`
}

func (s *Server) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Stats.Snapshot())
}

func (s *Server) handleIngest(w http.ResponseWriter, _ *http.Request) {
	if s.config.Ingest == nil {
		writeJSON(w, http.StatusOK, []ingest.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Ingest())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:       s.config.Cert.FingerprintBase64(),
		Addr:       s.config.Addr,
		SelfSigned: s.config.Cert.SelfSigned,
		NotAfter:   s.config.Cert.NotAfter.UTC().Format(time.RFC3339),
	})
}
