package resource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/reel/internal/certs"
)

// maxRequestLine bounds the request a client may send on a stream.
const maxRequestLine = 4096

// Server serves files from a filesystem to quic:// readers.
type Server struct {
	log  *slog.Logger
	root fs.FS
	cert *certs.CertInfo

	ln       *quic.Listener
	served   atomic.Int64
	requests atomic.Int64
}

// NewServer creates a server for root presenting cert. If log is nil,
// slog.Default() is used.
func NewServer(root fs.FS, cert *certs.CertInfo, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "quic-server"),
		root: root,
		cert: cert,
	}
}

// Listen binds addr. Use Addr to learn the port when addr ends in ":0".
func (s *Server) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, s.cert.ServerTLS(), &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("quic listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String(), "fingerprint", s.cert.FingerprintHex())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("quic server: Serve before Listen")
	}
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		s.log.Debug("connection", "remote", conn.RemoteAddr().String())
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(stream)
	}
}

func (s *Server) handleStream(stream quic.Stream) {
	defer stream.Close()
	s.requests.Add(1)

	br := bufio.NewReaderSize(io.LimitReader(stream, maxRequestLine), 512)
	line, err := br.ReadString('\n')
	if err != nil {
		stream.CancelWrite(quicCodeBadRequest)
		return
	}
	name, off, err := parseRequest(line)
	if err != nil {
		fmt.Fprintf(stream, "ERR %s\n", err)
		return
	}

	f, err := s.root.Open(name)
	if err != nil {
		fmt.Fprintf(stream, "ERR %s\n", err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		fmt.Fprintf(stream, "ERR not a file\n")
		return
	}

	if off > 0 {
		if seeker, ok := f.(io.Seeker); ok {
			_, err = seeker.Seek(off, io.SeekStart)
		} else {
			_, err = io.CopyN(io.Discard, f, off)
		}
		if err != nil && off < fi.Size() {
			fmt.Fprintf(stream, "ERR %s\n", err)
			return
		}
	}
	if _, err := fmt.Fprintf(stream, "OK %d\n", fi.Size()); err != nil {
		return
	}
	n, err := io.Copy(stream, f)
	s.served.Add(n)
	if err != nil {
		s.log.Debug("stream write", "file", name, "error", err)
	}
}

// parseRequest parses "GET <path> <offset>" into an fs.FS name.
func parseRequest(line string) (string, int64, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "GET" {
		return "", 0, errors.New("bad request")
	}
	off, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || off < 0 {
		return "", 0, errors.New("bad offset")
	}
	name := strings.TrimPrefix(path.Clean("/"+fields[1]), "/")
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", 0, errors.New("bad path")
	}
	return name, off, nil
}

// BytesServed returns the payload bytes written across all streams.
func (s *Server) BytesServed() int64 { return s.served.Load() }

// Requests returns the number of streams handled.
func (s *Server) Requests() int64 { return s.requests.Load() }
