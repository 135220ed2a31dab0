package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "media.example", "10.0.0.5")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if x509Cert.Subject.CommonName != "reel" {
		t.Errorf("CommonName = %q, want reel", x509Cert.Subject.CommonName)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if got := len(cert.FingerprintHex()); got != 64 {
		t.Errorf("FingerprintHex length = %d, want 64", got)
	}
	for _, name := range []string{"localhost", "media.example"} {
		if !slices.Contains(x509Cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x509Cert.DNSNames, name)
		}
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.5")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses %v missing 10.0.0.5", x509Cert.IPAddresses)
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > maxValidity {
		t.Errorf("validity = %v, want at most %v", validity, maxValidity)
	}
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hexFP := cert.FingerprintHex()

	var colon []string
	for i := 0; i < len(hexFP); i += 2 {
		colon = append(colon, strings.ToUpper(hexFP[i:i+2]))
	}

	for _, in := range []string{hexFP, strings.Join(colon, ":")} {
		fp, err := ParseFingerprint(in)
		if err != nil {
			t.Fatalf("ParseFingerprint(%q): %v", in, err)
		}
		if fp != cert.Fingerprint {
			t.Errorf("ParseFingerprint(%q) = %x, want %x", in, fp, cert.Fingerprint)
		}
	}

	for _, bad := range []string{"", "zz", "abcd"} {
		if _, err := ParseFingerprint(bad); err == nil {
			t.Errorf("ParseFingerprint(%q): expected error", bad)
		}
	}
}

func TestPinnedClientTLS(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	conf := PinnedClientTLS("localhost", cert.Fingerprint)
	if !conf.InsecureSkipVerify {
		t.Fatal("pinned config should skip chain verification")
	}
	if err := conf.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("matching cert rejected: %v", err)
	}
	err = conf.VerifyPeerCertificate(other.TLSCert.Certificate, nil)
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other cert: got %v, want ErrFingerprintMismatch", err)
	}

	plain := PinnedClientTLS("localhost", [32]byte{})
	if plain.InsecureSkipVerify || plain.VerifyPeerCertificate != nil {
		t.Error("zero fingerprint should keep chain verification")
	}
	if !slices.Contains(cert.ServerTLS().NextProtos, ALPN) {
		t.Error("server config missing ALPN")
	}
}
