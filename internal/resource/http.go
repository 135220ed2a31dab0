package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// httpReader reads an HTTP resource, reissuing a ranged GET after every
// seek. The body for the new position is fetched lazily on the next Read.
type httpReader struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
	pos    int64
	body   io.ReadCloser
}

func openHTTP(ctx context.Context, u *url.URL, o Options) (*source, error) {
	h := &httpReader{ctx: ctx, client: o.HTTPClient, url: u.String(), size: -1}
	resp, err := h.get(0)
	if err != nil {
		return nil, err
	}
	h.body = resp.Body

	seekable := false
	if resp.StatusCode == http.StatusPartialContent {
		h.size = totalFromContentRange(resp.Header.Get("Content-Range"))
		seekable = h.size >= 0
	} else {
		h.size = resp.ContentLength
		seekable = h.size >= 0 && strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	}
	return &source{rc: h, seeker: h, size: h.size, remote: u.Host, seekable: seekable}, nil
}

func (h *httpReader) get(off int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && off == 0:
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, io.EOF
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("http status %s", resp.Status)
	}
	return resp, nil
}

func (h *httpReader) Read(p []byte) (int, error) {
	if h.body == nil {
		if h.size >= 0 && h.pos >= h.size {
			return 0, io.EOF
		}
		resp, err := h.get(h.pos)
		if err != nil {
			return 0, err
		}
		h.body = resp.Body
	}
	n, err := h.body.Read(p)
	h.pos += int64(n)
	return n, err
}

func (h *httpReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = h.pos + offset
	case io.SeekEnd:
		abs = h.size + offset
	default:
		return 0, fmt.Errorf("http seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("http seek: negative position %d", abs)
	}
	if abs == h.pos {
		return abs, nil
	}
	if h.body != nil {
		h.body.Close()
		h.body = nil
	}
	h.pos = abs
	return abs, nil
}

func (h *httpReader) Close() error {
	if h.body == nil {
		return nil
	}
	err := h.body.Close()
	h.body = nil
	return err
}

// totalFromContentRange parses "bytes 0-99/1234" into 1234, or -1.
func totalFromContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
