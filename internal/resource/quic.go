package resource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/reel/internal/certs"
)

const (
	quicKeepAlive   = 10 * time.Second
	quicIdleTimeout = 30 * time.Second

	quicCodeClosed     quic.ApplicationErrorCode = 0
	quicCodeCancelled  quic.StreamErrorCode      = 0
	quicCodeBadRequest quic.StreamErrorCode      = 1
)

// quicReader reads a file from a reel QUIC server. Every request is one
// bidirectional stream carrying "GET <path> <offset>\n"; the server answers
// "OK <size>\n" followed by the bytes from offset, or "ERR <reason>\n".
// Seeking abandons the current stream and opens a new one on the next Read.
type quicReader struct {
	ctx    context.Context
	conn   quic.Connection
	path   string
	size   int64
	pos    int64
	stream quic.Stream
	body   *bufio.Reader
}

func openQUIC(ctx context.Context, u *url.URL, o Options) (*source, error) {
	var fp [32]byte
	if v := u.Query().Get("fp"); v != "" {
		var err error
		if fp, err = certs.ParseFingerprint(v); err != nil {
			return nil, err
		}
	}
	tlsConf := certs.PinnedClientTLS(u.Hostname(), fp)

	dialCtx, cancel := context.WithTimeout(ctx, o.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, u.Host, tlsConf, &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	q := &quicReader{ctx: ctx, conn: conn, path: path, size: -1}
	if err := q.request(0); err != nil {
		conn.CloseWithError(quicCodeClosed, "")
		return nil, err
	}
	return &source{
		rc:       q,
		seeker:   q,
		size:     q.size,
		remote:   conn.RemoteAddr().String(),
		seekable: q.size >= 0,
	}, nil
}

func (q *quicReader) request(off int64) error {
	stream, err := q.conn.OpenStreamSync(q.ctx)
	if err != nil {
		return fmt.Errorf("quic open stream: %w", err)
	}
	if _, err := fmt.Fprintf(stream, "GET %s %d\n", q.path, off); err != nil {
		stream.CancelRead(quicCodeCancelled)
		return err
	}
	stream.Close()

	body := bufio.NewReader(stream)
	line, err := body.ReadString('\n')
	if err != nil {
		stream.CancelRead(quicCodeCancelled)
		return fmt.Errorf("quic response: %w", err)
	}
	status, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	if status != "OK" {
		stream.CancelRead(quicCodeCancelled)
		return fmt.Errorf("quic server: %s", arg)
	}
	size, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		stream.CancelRead(quicCodeCancelled)
		return fmt.Errorf("quic response size %q: %w", arg, err)
	}
	q.size = size
	q.stream = stream
	q.body = body
	return nil
}

func (q *quicReader) Read(p []byte) (int, error) {
	if q.body == nil {
		if q.size >= 0 && q.pos >= q.size {
			return 0, io.EOF
		}
		if err := q.request(q.pos); err != nil {
			return 0, err
		}
	}
	n, err := q.body.Read(p)
	q.pos += int64(n)
	return n, err
}

func (q *quicReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = q.pos + offset
	case io.SeekEnd:
		abs = q.size + offset
	default:
		return 0, fmt.Errorf("quic seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("quic seek: negative position %d", abs)
	}
	if abs == q.pos {
		return abs, nil
	}
	q.dropStream()
	q.pos = abs
	return abs, nil
}

func (q *quicReader) dropStream() {
	if q.stream != nil {
		q.stream.CancelRead(quicCodeCancelled)
	}
	q.stream = nil
	q.body = nil
}

func (q *quicReader) Close() error {
	q.dropStream()
	return q.conn.CloseWithError(quicCodeClosed, "")
}
