package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/certs"
)

func startQUIC(t *testing.T, files map[string][]byte) (*Server, *certs.CertInfo) {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	srv := NewServer(os.DirFS(dir), cert, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, cert
}

func TestQUICReadAndSeek(t *testing.T) {
	t.Parallel()
	data := testData(300000)
	srv, cert := startQUIC(t, map[string][]byte{"clip.ts": data})

	uri := fmt.Sprintf("quic://%s/clip.ts?fp=%s", srv.Addr(), cert.FingerprintHex())
	r, err := Open(context.Background(), uri, Options{DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.Seekable() {
		t.Fatal("quic resource should be seekable")
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", r.Size(), len(data))
	}
	head := make([]byte, 1000)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if !bytes.Equal(head, data[:1000]) {
		t.Error("head mismatch")
	}
	checkSeekRead(t, r, data)

	if got := srv.Requests(); got < 3 {
		t.Errorf("Requests = %d, want at least 3", got)
	}
}

func TestQUICFingerprintMismatch(t *testing.T) {
	t.Parallel()
	srv, _ := startQUIC(t, map[string][]byte{"a.ts": []byte("x")})
	other, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	uri := fmt.Sprintf("quic://%s/a.ts?fp=%s", srv.Addr(), other.FingerprintHex())
	if _, err := Open(context.Background(), uri, Options{DialTimeout: 2 * time.Second}); err == nil {
		t.Fatal("expected handshake failure with wrong fingerprint")
	}
}

func TestQUICMissingFile(t *testing.T) {
	t.Parallel()
	srv, cert := startQUIC(t, map[string][]byte{"a.ts": []byte("x")})
	uri := fmt.Sprintf("quic://%s/missing.ts?fp=%s", srv.Addr(), cert.FingerprintHex())
	_, err := Open(context.Background(), uri, Options{DialTimeout: 5 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "quic server") {
		t.Errorf("got %v, want a server error", err)
	}
}

func TestParseRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line    string
		name    string
		off     int64
		wantErr bool
	}{
		{line: "GET /clip.ts 0\n", name: "clip.ts"},
		{line: "GET /dir/a.ts 4096\n", name: "dir/a.ts", off: 4096},
		{line: "GET /../../etc/passwd 0\n", name: "etc/passwd"},
		{line: "GET / 0\n", name: "."},
		{line: "PUT /a 0\n", wantErr: true},
		{line: "GET /a -1\n", wantErr: true},
		{line: "GET /a\n", wantErr: true},
	}
	for _, tc := range tests {
		name, off, err := parseRequest(tc.line)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseRequest(%q): expected error", tc.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRequest(%q): %v", tc.line, err)
			continue
		}
		if name != tc.name || off != tc.off {
			t.Errorf("parseRequest(%q) = %q %d, want %q %d", tc.line, name, off, tc.name, tc.off)
		}
	}
}
