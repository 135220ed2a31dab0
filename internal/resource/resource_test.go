package resource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func checkSeekRead(t *testing.T, r *Resource, data []byte) {
	t.Helper()
	buf := make([]byte, 100)
	if _, err := r.ReadAt(buf, 5000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data[5000:5100]) {
		t.Error("ReadAt(5000) returned wrong bytes")
	}
	if _, err := r.Seek(-10, io.SeekEnd); err != nil {
		t.Fatalf("Seek end: %v", err)
	}
	tail, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(tail, data[len(data)-10:]) {
		t.Errorf("tail = %x, want %x", tail, data[len(data)-10:])
	}
}

func TestProtocols(t *testing.T) {
	t.Parallel()
	got := Protocols()
	want := []string{"file", "http", "https", "quic", "srt"}
	if !slices.Equal(got, want) {
		t.Errorf("Protocols() = %v, want %v", got, want)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		scheme string
		path   string
	}{
		{"/tmp/a.ts", "file", "/tmp/a.ts"},
		{"clip.mp4", "file", "clip.mp4"},
		{`C://media/a.ts`, "file", `C://media/a.ts`},
		{"file:///tmp/a.ts", "file", "/tmp/a.ts"},
		{"HTTP://host/x.ts", "http", "/x.ts"},
		{"srt://host:9000?streamid=cam", "srt", ""},
	}
	for _, tc := range tests {
		u, err := parse(tc.in)
		if err != nil {
			t.Fatalf("parse(%q): %v", tc.in, err)
		}
		if u.Scheme != tc.scheme || u.Path != tc.path {
			t.Errorf("parse(%q) = %s %q, want %s %q", tc.in, u.Scheme, u.Path, tc.scheme, tc.path)
		}
	}
	if _, err := parse(""); err == nil {
		t.Error("parse(\"\"): expected error")
	}
}

func TestOpenUnknownProtocol(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "gopher://host/x", Options{})
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("got %v, want ErrUnknownProtocol", err)
	}
}

func TestFile(t *testing.T) {
	t.Parallel()
	data := testData(10000)
	p := writeTemp(t, "clip.ts", data)

	r, err := Open(context.Background(), p, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.Seekable() {
		t.Fatal("regular file should be seekable")
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", r.Size(), len(data))
	}
	if r.Name() != "clip.ts" {
		t.Errorf("Name = %q, want clip.ts", r.Name())
	}
	if r.Scheme() != "file" {
		t.Errorf("Scheme = %q, want file", r.Scheme())
	}
	checkSeekRead(t, r, data)

	st := r.Stats()
	if st.BytesRead != 110 {
		t.Errorf("BytesRead = %d, want 110", st.BytesRead)
	}
	if st.ReadCount < 2 {
		t.Errorf("ReadCount = %d, want at least 2", st.ReadCount)
	}
}

func TestFileURLAndErrors(t *testing.T) {
	t.Parallel()
	p := writeTemp(t, "a.bin", []byte("abc"))

	r, err := Open(context.Background(), "file://"+p, Options{})
	if err != nil {
		t.Fatalf("Open file URL: %v", err)
	}
	got, _ := io.ReadAll(r)
	r.Close()
	if string(got) != "abc" {
		t.Errorf("read %q, want abc", got)
	}

	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{}); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := Open(context.Background(), t.TempDir(), Options{}); err == nil {
		t.Error("directory: expected error")
	}
}

func TestHTTPRange(t *testing.T) {
	t.Parallel()
	data := testData(20000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.ServeContent(w, req, "clip.ts", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	r, err := Open(context.Background(), srv.URL+"/clip.ts", Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.Seekable() {
		t.Fatal("range-capable server should be seekable")
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", r.Size(), len(data))
	}
	head := make([]byte, 16)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("read head: %v", err)
	}
	if !bytes.Equal(head, data[:16]) {
		t.Error("head mismatch")
	}
	checkSeekRead(t, r, data)
	if r.Stats().Remote == "" {
		t.Error("Remote should be set")
	}
}

func TestHTTPNoRange(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "live bytes")
	}))
	defer srv.Close()

	r, err := Open(context.Background(), srv.URL+"/live.ts", Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Seekable() {
		t.Error("server without ranges should not be seekable")
	}
	if r.Size() != -1 {
		t.Errorf("Size = %d, want -1", r.Size())
	}
	if _, err := r.Seek(0, io.SeekStart); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek: got %v, want ErrNotSeekable", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "live bytes" {
		t.Errorf("read %q, want %q", got, "live bytes")
	}
}

func TestHTTPStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL+"/nope.ts", Options{HTTPClient: srv.Client()})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("got %v, want a 404 error", err)
	}
}

func TestTotalFromContentRange(t *testing.T) {
	t.Parallel()
	tests := map[string]int64{
		"bytes 0-99/1234": 1234,
		"bytes 0-99/*":    -1,
		"":                -1,
	}
	for in, want := range tests {
		if got := totalFromContentRange(in); got != want {
			t.Errorf("totalFromContentRange(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestDialWithTimeout(t *testing.T) {
	t.Parallel()
	dropped := make(chan int, 1)
	release := make(chan struct{})
	_, err := dialWithTimeout(context.Background(), 20*time.Millisecond, func() (int, error) {
		<-release
		return 42, nil
	}, func(v int) { dropped <- v })
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("got %v, want timeout", err)
	}
	close(release)
	select {
	case v := <-dropped:
		if v != 42 {
			t.Errorf("dropped %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late connection was never dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dialWithTimeout(ctx, time.Second, func() (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 0, errors.New("refused")
	}, func(int) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: got %v, want context.Canceled", err)
	}
}

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tc.streamID); got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}
