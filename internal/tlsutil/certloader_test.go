package tlsutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeCertPair generates a self-signed certificate and writes it as
// cert.pem/key.pem in dir, returning the paths and the DER bytes.
func writeCertPair(t *testing.T, dir string, serial int64) (certPath, keyPath string, der []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "relaycore-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		t.Fatal(err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		t.Fatal(err)
	}

	return certPath, keyPath, der
}

func TestCertLoader_LoadsInitialCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, der := writeCertPair(t, dir, 1)

	cl, err := New(certPath, keyPath, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Stop()

	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cert.Certificate[0], der) {
		t.Error("loaded certificate does not match written one")
	}
}

func TestCertLoader_ReloadSwapsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, _ := writeCertPair(t, dir, 1)

	cl, err := New(certPath, keyPath, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Stop()

	_, _, newDER := writeCertPair(t, dir, 2)
	if err := cl.Reload(); err != nil {
		t.Fatal(err)
	}

	cert, _ := cl.GetCertificate(&tls.ClientHelloInfo{})
	if !bytes.Equal(cert.Certificate[0], newDER) {
		t.Error("Reload did not pick up the new certificate")
	}
}

func TestCertLoader_KeepsCurrentOnBrokenReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, der := writeCertPair(t, dir, 1)

	cl, err := New(certPath, keyPath, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Stop()

	if err := os.WriteFile(certPath, []byte("not a pem"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error for corrupt cert")
	}

	cert, _ := cl.GetCertificate(&tls.ClientHelloInfo{})
	if !bytes.Equal(cert.Certificate[0], der) {
		t.Error("current certificate was lost on failed reload")
	}
}

func TestCertLoader_MissingFilesFailNew(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(filepath.Join(dir, "no.pem"), filepath.Join(dir, "no.key"), discardLogger()); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestMinVersion(t *testing.T) {
	if MinVersion("1.3") != tls.VersionTLS13 {
		t.Error("1.3 should map to TLS 1.3")
	}
	if MinVersion("1.2") != tls.VersionTLS12 {
		t.Error("1.2 should map to TLS 1.2")
	}
	if MinVersion("") != tls.VersionTLS12 {
		t.Error("default should be TLS 1.2")
	}
}
