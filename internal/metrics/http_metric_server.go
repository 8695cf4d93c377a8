package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const baseUrlV1 = "/api/v1"

// Server exposes the metrics of a running battery execution. It is optional:
// a long Crush or BigCrush run can be watched while it executes.
//
// Endpoints:
//   - GET /api/v1/metrics - Prometheus exposition for the given gatherer
//   - GET /api/v1/health - liveness probe
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics server listening on addr ("host:port"). A nil
// gatherer serves prometheus.DefaultGatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle(baseUrlV1+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(baseUrlV1+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Printf("metrics: health handler write error: %v", err)
		}
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start serves plain HTTP and blocks until Shutdown. http.ErrServerClosed is
// not reported as an error.
func (s *Server) Start() error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}
	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	log.Printf("metrics: starting HTTP server on %s", s.addr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTP server error: %w", err)
	}

	log.Println("metrics: HTTP server stopped")
	return nil
}

// StartTLS serves HTTPS. When caFile is set, client certificates are
// verified against it according to clientAuth.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}
	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	tlsConfig, err := serverTLSConfig(certFile, keyFile, caFile, clientAuth)
	if err != nil {
		return fmt.Errorf("metrics: configure TLS: %w", err)
	}
	s.server.TLSConfig = tlsConfig

	log.Printf("metrics: starting HTTPS server on %s", s.addr)

	err = s.server.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTPS server error: %w", err)
	}

	log.Println("metrics: HTTPS server stopped")
	return nil
}

// Shutdown gracefully stops the server within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown error: %w", err)
	}

	log.Println("metrics: HTTP server shutdown complete")
	return nil
}

func serverTLSConfig(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile) // #nosec G304 -- operator supplied path
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in CA file")
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// validateAddress rejects malformed or unresolvable addresses before binding.
func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port format: %w", err)
	}
	if port == "" {
		return errors.New("port is required")
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}

	return nil
}
