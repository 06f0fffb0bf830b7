package tls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateTestCertificate creates a self-signed certificate and key for testing
func generateTestCertificate(t *testing.T, validFor time.Duration) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "api.example.com"},
		Issuer:                pkix.Name{CommonName: "api.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"api.example.com"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatal(err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	return certPEM, keyPEM
}

func TestLoadCertificate(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	certPEM, keyPEM := generateTestCertificate(t, 24*time.Hour)
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("valid certificate", func(t *testing.T) {
		cfg, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			t.Fatalf("unexpected error loading valid certificate: %v", err)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
		}
	})

	t.Run("non-existent cert file", func(t *testing.T) {
		if _, err := LoadCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalidCert := filepath.Join(tmpDir, "invalid.pem")
		if err := os.WriteFile(invalidCert, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCertificate(invalidCert, keyFile); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestReadCertificate(t *testing.T) {
	certPEM, _ := generateTestCertificate(t, 3*24*time.Hour)
	certFile := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}

	info, err := ReadCertificate(certFile)
	if err != nil {
		t.Fatalf("ReadCertificate() error = %v", err)
	}
	if info.Subject != "api.example.com" {
		t.Errorf("Subject = %q", info.Subject)
	}
	if len(info.DNSNames) != 1 || info.DNSNames[0] != "api.example.com" {
		t.Errorf("DNSNames = %v", info.DNSNames)
	}
	if info.DaysLeft != 2 {
		t.Errorf("DaysLeft = %d, want 2", info.DaysLeft)
	}
	if !info.ExpiresWithin(7 * 24 * time.Hour) {
		t.Error("ExpiresWithin(7d) = false, want true")
	}
	if info.ExpiresWithin(time.Hour) {
		t.Error("ExpiresWithin(1h) = true, want false")
	}
}

func TestCachedCertificates(t *testing.T) {
	cacheDir := t.TempDir()
	certPEM, keyPEM := generateTestCertificate(t, 90*24*time.Hour)

	// Same layout autocert writes: key first, then the chain
	bundle := append(append([]byte{}, keyPEM...), certPEM...)
	if err := os.WriteFile(filepath.Join(cacheDir, "api.example.com"), bundle, 0600); err != nil {
		t.Fatal(err)
	}

	m := NewACMEManager("ops@example.com", []string{"api.example.com", "missing.example.com"}, cacheDir)
	certs, err := m.CachedCertificates(context.Background())
	if err != nil {
		t.Fatalf("CachedCertificates() error = %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("CachedCertificates() = %d entries, want 1", len(certs))
	}
	if certs[0].Domain != "api.example.com" || certs[0].DaysLeft < 88 {
		t.Errorf("certificate = %+v", certs[0])
	}
	if m.TLSConfig().GetCertificate == nil {
		t.Error("TLSConfig() has no GetCertificate")
	}
}
