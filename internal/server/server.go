// Package server exposes the governance pipeline over HTTP: the decision
// query surface, proposal transactions, council commands, the launch queue
// and the audit trail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/policydiff"
	"github.com/ppiankov/govgate/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// Server serves one Runtime. The governance file it was built from can be
// reloaded in place; stores and listeners are not rebuilt.
type Server struct {
	rt      *config.Runtime
	path    string
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	cfg     *config.Config
	version string

	handler http.Handler
}

// New builds the HTTP surface over rt. path is the governance file Reload
// re-reads; cfg and version are what rt was opened with.
func New(rt *config.Runtime, cfg *config.Config, version, path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	s := &Server{
		rt:      rt,
		path:    path,
		limiter: ratelimit.New(cfg.Server.RateLimit),
		logger:  logger,
		cfg:     cfg,
		version: version,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Version returns the active rules version.
func (s *Server) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeOn(ctx, lis)
}

// ServeOn serves on an existing listener.
func (s *Server) ServeOn(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Info("listening", "addr", lis.Addr().String(), "rules_version", s.Version())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Reload re-reads the governance file and swaps the rule and council tables.
// A file that fails to load or validate leaves the running tables untouched.
func (s *Server) Reload() error {
	next, version, err := config.LoadWithHash(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if version == s.version {
		return nil
	}
	if err := s.rt.Reload(next, version); err != nil {
		return err
	}
	diff := policydiff.Diff(s.cfg.Rules, next.Rules)
	s.logger.Info("governance config reloaded",
		"old_version", s.version,
		"new_version", version,
		"rules", policydiff.Summary(diff),
	)
	s.cfg, s.version = next, version
	return nil
}

// rateLimit refuses clients over their token bucket with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Check(clientIP(r))
		if res.Exceeded {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
			writeProblem(w, r, http.StatusTooManyRequests, "rate_limited", res.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// decode reads a JSON body into v. Unknown fields are refused.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("invalid request body: %v", err)
	}
	return nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fault.Validation("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}
