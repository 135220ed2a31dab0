package resource

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize holds ten SRT payloads of 7 transport packets each.
// Reads smaller than one payload are served from this buffer.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the default receive latency (120ms).
const srtLatencyNs = 120_000_000

type srtConn struct {
	*bufio.Reader
	conn *srtgo.Conn

	// closeListener is set in listener mode. Accepted connections share the
	// listener's socket, so it stays open until the connection closes.
	closeListener func()
}

func (c *srtConn) Close() error {
	c.conn.Close()
	if c.closeListener != nil {
		c.closeListener()
	}
	return nil
}

// openSRT connects to srt://host:port. With mode=listener it instead binds
// host:port and waits for one publisher; a streamid query parameter then
// restricts which stream key is accepted.
func openSRT(ctx context.Context, u *url.URL, o Options) (*source, error) {
	q := u.Query()
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	var (
		conn          *srtgo.Conn
		err           error
		closeListener func()
	)
	if strings.EqualFold(q.Get("mode"), "listener") {
		log := o.Log.With("component", "resource-srt")
		wantKey := ""
		if want := q.Get("streamid"); want != "" {
			wantKey = extractStreamKey(want)
		}

		l, lerr := srtgo.Listen(u.Host, cfg)
		if lerr != nil {
			return nil, fmt.Errorf("srt listen on %s: %w", u.Host, lerr)
		}
		log.Info("listening", "addr", u.Host)
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if req.StreamID == "" {
				return srtgo.RejPeer
			}
			if wantKey != "" && extractStreamKey(req.StreamID) != wantKey {
				return srtgo.RejPeer
			}
			return 0
		})

		stop := context.AfterFunc(ctx, func() { l.Close() })
		conn, err = l.Accept()
		stop()
		if err != nil {
			l.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("srt accept: %w", err)
		}
		log.Info("publish", "stream_key", extractStreamKey(conn.StreamID()), "remote", conn.RemoteAddr())
		closeListener = func() { l.Close() }
	} else {
		cfg.StreamID = q.Get("streamid")
		conn, err = dialWithTimeout(ctx, o.DialTimeout, func() (*srtgo.Conn, error) {
			return srtgo.Dial(u.Host, cfg)
		}, func(c *srtgo.Conn) { c.Close() })
	}
	if err != nil {
		return nil, err
	}
	return &source{
		rc: &srtConn{
			Reader:        bufio.NewReaderSize(conn, srtReadBufferSize),
			conn:          conn,
			closeListener: closeListener,
		},
		size:   -1,
		remote: conn.RemoteAddr().String(),
	}, nil
}

// extractStreamKey strips the leading slash and "live/" prefix publishers
// commonly put in their stream id.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
