package metrics

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewServer_Timeouts(t *testing.T) {
	t.Parallel()

	server := NewServer("127.0.0.1:9090", nil)
	if server.server == nil {
		t.Fatal("server.server is nil")
	}
	if server.server.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("ReadHeaderTimeout = %v, want 5s", server.server.ReadHeaderTimeout)
	}
	if server.server.ReadTimeout != 10*time.Second || server.server.WriteTimeout != 10*time.Second {
		t.Errorf("read/write timeouts = %v/%v, want 10s", server.server.ReadTimeout, server.server.WriteTimeout)
	}
	if server.server.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", server.server.IdleTimeout)
	}
}

func TestServer_ServesGathererMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rtt_server_probe_total", Help: "probe"})
	reg.MustRegister(counter)
	counter.Add(3)

	addr := fmt.Sprintf("127.0.0.1:%d", getFreePort(t))
	server := NewServer(addr, reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	waitForServer(t, addr, 2*time.Second)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/metrics", addr))
	if err != nil {
		t.Fatalf("GET /api/v1/metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "rtt_server_probe_total 3") {
		t.Errorf("metrics body does not contain probe counter:\n%s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Start() did not return after shutdown")
	}
}

func TestServer_StartRejectsInvalidAddress(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"", "no-port", "127.0.0.1:"} {
		if err := NewServer(addr, nil).Start(); err == nil {
			t.Errorf("Start(%q) succeeded, want error", addr)
		}
	}
}

func TestServer_NilServer(t *testing.T) {
	t.Parallel()

	server := &Server{addr: ":8443"}
	if err := server.Start(); err == nil || err.Error() != "metrics server not initialized" {
		t.Errorf("Start() error = %v", err)
	}
	if err := server.StartTLS("cert", "key", "", tls.NoClientCert); err == nil {
		t.Error("StartTLS() with nil server should fail")
	}
	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr  string
		valid bool
	}{
		{":9090", true},
		{"0.0.0.0:9090", true},
		{"[::]:9090", true},
		{"127.0.0.1:8080", true},
		{"localhost:9090", true},
		{"", false},
		{"127.0.0.1", false},
		{"127.0.0.1:", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.addr, func(t *testing.T) {
			t.Parallel()
			err := validateAddress(tt.addr)
			if tt.valid && err != nil {
				t.Errorf("validateAddress(%q) = %v, want nil", tt.addr, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("validateAddress(%q) = nil, want error", tt.addr)
			}
		})
	}
}

func TestServerTLSConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	cfg, err := serverTLSConfig(certFile, keyFile, certFile, tls.RequireAndVerifyClientCert)
	if err != nil {
		t.Fatalf("serverTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.ClientCAs == nil {
		t.Error("client CA pool not configured")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}

	badCA := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(badCA, []byte("INVALID CA DATA"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := serverTLSConfig(certFile, keyFile, badCA, tls.RequireAndVerifyClientCert); err == nil {
		t.Error("expected error for CA file without certificates")
	}

	if _, err := serverTLSConfig(filepath.Join(dir, "missing.pem"), keyFile, "", tls.NoClientCert); err == nil {
		t.Error("expected error for missing certificate")
	}
}

// getFreePort asks the kernel for a free open port that is ready to use.
func getFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
			t.Skipf("skipping network-bound test: %v", err)
		}
		t.Fatalf("failed to get free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func waitForServer(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 100 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/health", addr))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", addr, timeout)
}

func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "rtt-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
