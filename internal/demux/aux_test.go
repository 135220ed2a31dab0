package demux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSidecars(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		"dr.wav":     nil,
		"dr.srt":     nil,
		"dr.en.aac":  nil,
		"dr.txt":     nil,
		"other.srt":  nil,
		"drama.srt":  nil,
		"dr.SRT.bak": nil,
	})
	if err := os.Mkdir(filepath.Join(dir, "dr.ts"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := Sidecars(filepath.Join(dir, "dr.wav"))
	want := []string{filepath.Join(dir, "dr.en.aac"), filepath.Join(dir, "dr.srt")}
	if len(got) != len(want) {
		t.Fatalf("sidecars: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sidecar %d: got %s, want %s", i, got[i], want[i])
		}
	}

	if got := Sidecars("file://" + filepath.Join(dir, "dr.wav")); len(got) != 2 {
		t.Errorf("file URL sidecars: got %v", got)
	}
	if got := Sidecars("http://example.com/dr.wav"); got != nil {
		t.Errorf("remote sidecars: got %v, want none", got)
	}
}

func TestOpenPrimaryAndAux(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		"dr.wav":     wavFile(8000, 1, 2048),
		"dr.foo.wav": wavFile(8000, 2, 2048),
		"dr.mp4":     []byte("not a movie at all"),
		"dr.srt":     []byte(testSRT),
	})

	ds, err := OpenPrimaryAndAux(context.Background(), filepath.Join(dir, "dr.wav"), Options{})
	if err != nil {
		t.Fatalf("OpenPrimaryAndAux: %v", err)
	}
	t.Cleanup(func() {
		for _, d := range ds {
			d.Close()
		}
	})
	if len(ds) != 3 {
		t.Fatalf("demuxers: got %d, want 3", len(ds))
	}
	for i, want := range []struct {
		format string
		offset int
	}{{"wav", 0}, {"wav", 100}, {"subrip", 200}} {
		d := ds[i]
		if d.Format() != want.format || d.Index() != i || d.TrackOffset() != want.offset {
			t.Errorf("demuxer %d: got %s index %d offset %d, want %s index %d offset %d",
				i, d.Format(), d.Index(), d.TrackOffset(), want.format, i, want.offset)
		}
	}
	if ds[1].Streams()[0].Params.Channels != 2 {
		t.Errorf("sidecar channels: got %d, want 2", ds[1].Streams()[0].Params.Channels)
	}
	if id := ds[2].Tracks()[0].ID(); id != 200 {
		t.Errorf("subtitle track id: got %d, want 200", id)
	}
}

func TestOpenPrimaryAndAuxMissingPrimary(t *testing.T) {
	t.Parallel()
	if _, err := OpenPrimaryAndAux(context.Background(), filepath.Join(t.TempDir(), "gone.ts"), Options{}); err == nil {
		t.Fatal("opening a missing primary succeeded")
	}
}
