// Package resource opens the URL-like media locations a demuxer reads from:
// local paths and file:// URLs, http(s):// with range-request seeking,
// srt:// in caller or listener mode, and quic:// streams served by another
// reel instance.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrNotSeekable is returned by Seek on live resources.
	ErrNotSeekable = errors.New("resource: not seekable")

	// ErrUnknownProtocol is returned for schemes no opener handles.
	ErrUnknownProtocol = errors.New("resource: unknown protocol")
)

// Options tune how resources are opened.
type Options struct {
	DialTimeout time.Duration
	HTTPClient  *http.Client
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// source is what a protocol opener returns. Seek and Size are only used
// when seekable is set.
type source struct {
	rc       io.ReadCloser
	seeker   io.Seeker
	size     int64
	remote   string
	seekable bool
}

type opener func(ctx context.Context, u *url.URL, o Options) (*source, error)

var openers = map[string]opener{
	"file":  openFile,
	"http":  openHTTP,
	"https": openHTTP,
	"srt":   openSRT,
	"quic":  openQUIC,
}

// Protocols returns the schemes Open understands, sorted.
func Protocols() []string {
	out := make([]string, 0, len(openers))
	for p := range openers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Stats captures read-side counters for a resource.
type Stats struct {
	BytesRead int64  `json:"bytesRead"`
	ReadCount int64  `json:"readCount"`
	OpenedAt  int64  `json:"openedAt"`
	UptimeMs  int64  `json:"uptimeMs"`
	Remote    string `json:"remote,omitempty"`
}

// Resource is an opened media location. Reads are counted; Seek fails with
// ErrNotSeekable unless the underlying protocol supports it.
type Resource struct {
	uri      string
	scheme   string
	openedAt time.Time
	src      *source

	bytesRead atomic.Int64
	readCount atomic.Int64
}

// Open parses uri and opens it with the matching protocol. Paths without a
// scheme are local files.
func Open(ctx context.Context, uri string, o Options) (*Resource, error) {
	o = o.withDefaults()
	u, err := parse(uri)
	if err != nil {
		return nil, err
	}
	open, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, u.Scheme)
	}
	src, err := open(ctx, u, o)
	if err != nil {
		return nil, fmt.Errorf("resource: open %s: %w", uri, err)
	}
	o.Log.Debug("resource opened", "component", "resource", "uri", uri, "seekable", src.seekable, "size", src.size)
	return &Resource{
		uri:      uri,
		scheme:   u.Scheme,
		openedAt: time.Now(),
		src:      src,
	}, nil
}

func parse(uri string) (*url.URL, error) {
	if uri == "" {
		return nil, fmt.Errorf("resource: empty location")
	}
	// Windows drive letters parse as a one-letter scheme.
	if i := strings.Index(uri, "://"); i < 2 {
		return &url.URL{Scheme: "file", Path: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// URI returns the location the resource was opened from.
func (r *Resource) URI() string { return r.uri }

// Scheme returns the protocol scheme.
func (r *Resource) Scheme() string { return r.scheme }

// Name returns the last path element, used for container probing by
// extension.
func (r *Resource) Name() string {
	u, err := parse(r.uri)
	if err != nil || u.Path == "" {
		return r.uri
	}
	return filepath.Base(u.Path)
}

// Seekable reports whether Seek can succeed.
func (r *Resource) Seekable() bool { return r.src.seekable }

// Size returns the resource size in bytes, or -1 when unknown.
func (r *Resource) Size() int64 {
	if !r.src.seekable {
		return -1
	}
	return r.src.size
}

func (r *Resource) Read(p []byte) (int, error) {
	n, err := r.src.rc.Read(p)
	if n > 0 {
		r.bytesRead.Add(int64(n))
		r.readCount.Add(1)
	}
	return n, err
}

// Seek implements io.Seeker for seekable resources.
func (r *Resource) Seek(offset int64, whence int) (int64, error) {
	if !r.src.seekable {
		return 0, ErrNotSeekable
	}
	return r.src.seeker.Seek(offset, whence)
}

// ReadAt reads len(p) bytes at off, leaving the read position after them.
func (r *Resource) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r, p)
}

// Close releases the underlying connection or file.
func (r *Resource) Close() error {
	return r.src.rc.Close()
}

// Stats returns a snapshot of the read counters.
func (r *Resource) Stats() Stats {
	return Stats{
		BytesRead: r.bytesRead.Load(),
		ReadCount: r.readCount.Load(),
		OpenedAt:  r.openedAt.UnixMilli(),
		UptimeMs:  time.Since(r.openedAt).Milliseconds(),
		Remote:    r.src.remote,
	}
}

// dialWithTimeout runs dial in the background and abandons it when the
// timeout or ctx expires, handing whatever it eventually returns to drop.
func dialWithTimeout[T any](ctx context.Context, timeout time.Duration, dial func() (T, error), drop func(T)) (T, error) {
	type result struct {
		conn T
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.err == nil {
				drop(res.conn)
			}
		}()
	}
	var zero T
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-timer.C:
		abandon()
		return zero, fmt.Errorf("dial timed out after %s", timeout)
	case <-ctx.Done():
		abandon()
		return zero, ctx.Err()
	}
}
