package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startRun launches Run on a port-0 server and waits for the listener.
func startRun(t *testing.T, cfg Config) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bound := make(chan net.Addr, 1)
	cfg.OnListen = func(addr net.Addr) { bound <- addr }
	cfg.ShutdownTimeout = time.Second

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	select {
	case addr := <-bound:
		return addr, cancel, done
	case err := <-done:
		t.Fatalf("run exited before listening: %v", err)
	case <-time.After(time.Second):
		t.Fatal("listener never came up")
	}
	return nil, nil, nil
}

func awaitShutdown(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "pong")
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}

	addr, cancel, done := startRun(t, Config{Server: server})

	resp, err := http.Get(fmt.Sprintf("http://%s/ping", addr))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	awaitShutdown(t, done)
}

func TestRunTLSListener(t *testing.T) {
	certFile, keyFile, certPEM := writeServerCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	addr, cancel, done := startRun(t, Config{
		Server: server,
		TLS:    TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("could not parse test certificate")
	}
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{RootCAs: pool, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	conn.Close()

	cancel()
	awaitShutdown(t, done)
}

func TestRunRejectsHalfTLSConfig(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	err := Run(context.Background(), Config{
		Server: server,
		TLS:    TLSConfig{CertFile: "cert.pem"},
	})
	if err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { taken.Close() })

	server := &http.Server{Addr: taken.Addr().String(), Handler: http.NewServeMux()}
	listened := false
	runErr := Run(context.Background(), Config{
		Server:   server,
		OnListen: func(net.Addr) { listened = true },
	})
	if runErr == nil {
		t.Fatal("expected listen error on an occupied port")
	}
	if listened {
		t.Fatal("OnListen must not fire when the listener fails")
	}
}

func writeServerCert(t *testing.T) (certPath, keyPath string, certPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath, certPEM
}
