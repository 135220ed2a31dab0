package resource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
)

// openFile opens a local path. "-" reads standard input, which is never
// seekable.
func openFile(_ context.Context, u *url.URL, _ Options) (*source, error) {
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = "//" + u.Host + path
	}
	if path == "-" {
		return &source{rc: io.NopCloser(os.Stdin), size: -1}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	regular := fi.Mode().IsRegular()
	size := int64(-1)
	if regular {
		size = fi.Size()
	}
	return &source{rc: f, seeker: f, size: size, seekable: regular}, nil
}
