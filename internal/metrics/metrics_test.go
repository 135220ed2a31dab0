package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/track"
)

type fixedSnapshot []ReaderStats

func (f fixedSnapshot) Snapshot() []ReaderStats { return f }

var snapshot = fixedSnapshot{{
	Reader:    "r1",
	Source:    "in.ts",
	BytesRead: 4096,
	Packets:   12,
	Tracks: []track.Stats{
		{ID: 0, Kind: media.KindVideo, Decoder: "h264", Sent: 7, Received: 6, Switches: 1},
		{ID: 1, Kind: media.KindAudio, Decoder: "aac", Sent: 5, Errors: 5, Unsupported: true},
	},
}}

func TestCollectorCount(t *testing.T) {
	t.Parallel()
	c := NewCollector(snapshot)
	// 2 reader metrics plus 8 per track.
	if got := testutil.CollectAndCount(c); got != 18 {
		t.Errorf("metrics: got %d, want 18", got)
	}
	if got := testutil.CollectAndCount(NewCollector(fixedSnapshot(nil))); got != 0 {
		t.Errorf("metrics with no readers: got %d, want 0", got)
	}
}

func TestCollectorValues(t *testing.T) {
	t.Parallel()
	c := NewCollector(snapshot)
	want := `
# HELP reel_track_decoder_switches_total Decoder failovers.
# TYPE reel_track_decoder_switches_total counter
reel_track_decoder_switches_total{decoder="aac",kind="audio",reader="r1",track="1"} 0
reel_track_decoder_switches_total{decoder="h264",kind="video",reader="r1",track="0"} 1
# HELP reel_track_unsupported 1 when no decoder could handle the track.
# TYPE reel_track_unsupported gauge
reel_track_unsupported{decoder="aac",kind="audio",reader="r1",track="1"} 1
reel_track_unsupported{decoder="h264",kind="video",reader="r1",track="0"} 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"reel_track_decoder_switches_total", "reel_track_unsupported"); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler(NewCollector(snapshot)))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`reel_reader_bytes_read_total{reader="r1",source="in.ts"} 4096`,
		`reel_track_packets_sent_total{decoder="h264",kind="video",reader="r1",track="0"} 7`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response missing %q", want)
		}
	}
}
