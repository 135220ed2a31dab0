package demux

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AuxTrackOffset is the track id distance between consecutive demuxers
// opened by OpenPrimaryAndAux.
const AuxTrackOffset = 100

// OpenPrimaryAndAux opens path and every sidecar next to it that shares
// its base name, e.g. movie.srt, movie.aac and movie.en.wav beside
// movie.ts. Demuxer i gets index i and track offset i*AuxTrackOffset.
// Sidecars that fail to open are skipped; the primary comes first and its
// failure is returned.
func OpenPrimaryAndAux(ctx context.Context, path string, o Options) ([]*Demuxer, error) {
	o = o.withDefaults()
	o.Index, o.TrackOffset = 0, 0
	primary, err := Open(ctx, path, o)
	if err != nil {
		return nil, err
	}
	out := []*Demuxer{primary}

	for _, aux := range Sidecars(path) {
		o.Index = len(out)
		o.TrackOffset = len(out) * AuxTrackOffset
		d, err := Open(ctx, aux, o)
		if err != nil {
			o.Log.Warn("skipping sidecar", "component", "demux", "path", aux, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Sidecars lists files beside a local path that share its base name and
// have an extension a container is registered for, sorted by name.
// Remote locations have none.
func Sidecars(path string) []string {
	if p, ok := strings.CutPrefix(path, "file://"); ok {
		path = p
	} else if strings.Contains(path, "://") {
		return nil
	}
	dir, file := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	if stem == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == file || !strings.HasPrefix(name, stem+".") {
			continue
		}
		if _, ok := extensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out
}
