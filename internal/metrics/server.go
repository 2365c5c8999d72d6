package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	path       string
	logger     *slog.Logger
	allowed    []*net.IPNet
}

// NewServer creates a metrics server. allowedIPs restricts the metrics
// endpoint to the given IPs and CIDRs; empty allows everyone.
func NewServer(m *Metrics, addr, path string, allowedIPs []string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		metrics: m,
		addr:    addr,
		path:    path,
		logger:  logger.With("component", "metrics"),
		allowed: parseNetworks(allowedIPs, logger),
	}

	if len(s.allowed) > 0 {
		s.logger.Info("metrics IP filtering enabled", "allowed_networks", len(s.allowed))
	}

	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.With(s.ipFilter).Handle(s.path, promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	// No IP filtering on health, load balancers probe it
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ip == nil {
			s.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !s.isAllowed(ip) {
			s.logger.Warn("metrics access denied", "ip", ip.String())
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowed(ip net.IP) bool {
	for _, n := range s.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseNetworks turns IPs and CIDRs into networks; single IPs become /32 or
// /128. Invalid entries are logged and dropped.
func parseNetworks(entries []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, n, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			nets = append(nets, n)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// clientIP returns the request's client address, preferring X-Forwarded-For
// and X-Real-IP over RemoteAddr
func clientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
