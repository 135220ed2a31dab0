package demux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zsiec/reel/internal/mpegts"
)

const probeSize = 8192

type openFunc func(ctx context.Context, src Source, log *slog.Logger) (container, error)

var containers = map[string]openFunc{
	"mpegts": openTS,
	"mp4":    openMP4,
	"adts":   openADTS,
	"wav":    openWAV,
	"subrip": openSubRip,
}

var extensions = map[string]string{
	".ts":   "mpegts",
	".m2ts": "mpegts",
	".mts":  "mpegts",
	".mp4":  "mp4",
	".m4a":  "mp4",
	".m4v":  "mp4",
	".mov":  "mp4",
	".aac":  "adts",
	".wav":  "wav",
	".srt":  "subrip",
}

// Formats returns the container names Open can probe.
func Formats() []string {
	return []string{"mpegts", "mp4", "adts", "wav", "subrip"}
}

// probe sniffs the first bytes of src and rewinds it. Unseekable sources
// cannot rewind, so probe returns a source that replays the sniffed bytes.
func probe(src Source) (string, Source, error) {
	buf := make([]byte, probeSize)
	n, err := io.ReadFull(src, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	buf = buf[:n]

	if src.Seekable() {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return "", nil, err
		}
	} else {
		src = &replaySource{Source: src, r: io.MultiReader(bytes.NewReader(buf), src)}
	}

	if f := sniff(buf); f != "" {
		return f, src, nil
	}
	if f, ok := extensions[strings.ToLower(filepath.Ext(src.Name()))]; ok {
		return f, src, nil
	}
	return "", nil, ErrUnknownFormat
}

func sniff(buf []byte) string {
	if _, ok := mpegts.Probe(buf); ok {
		return "mpegts"
	}
	if len(buf) >= 8 {
		switch string(buf[4:8]) {
		case "ftyp", "moov", "mdat", "free", "wide":
			return "mp4"
		}
	}
	if len(buf) >= 12 && string(buf[:4]) == "RIFF" && string(buf[8:12]) == "WAVE" {
		return "wav"
	}
	if isADTS(skipID3(buf)) {
		return "adts"
	}
	if looksLikeSubRip(buf) {
		return "subrip"
	}
	return ""
}

// skipID3 drops a leading ID3v2 tag.
func skipID3(buf []byte) []byte {
	if len(buf) < 10 || string(buf[:3]) != "ID3" {
		return buf
	}
	size := int(buf[6]&0x7F)<<21 | int(buf[7]&0x7F)<<14 | int(buf[8]&0x7F)<<7 | int(buf[9]&0x7F)
	if 10+size > len(buf) {
		return nil
	}
	return buf[10+size:]
}

// isADTS requires two consecutive ADTS headers, or one that fills buf.
func isADTS(buf []byte) bool {
	if len(buf) < 7 || buf[0] != 0xFF || buf[1]&0xF6 != 0xF0 {
		return false
	}
	n := adtsFrameLength(buf)
	if n < 7 {
		return false
	}
	if n == len(buf) {
		return true
	}
	next := buf[n:]
	return len(next) >= 2 && next[0] == 0xFF && next[1]&0xF6 == 0xF0
}

func adtsFrameLength(h []byte) int {
	return int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5])>>5
}

// looksLikeSubRip checks for a cue number line followed by a timing line.
func looksLikeSubRip(buf []byte) bool {
	buf = bytes.TrimPrefix(buf, []byte("\xEF\xBB\xBF"))
	sc := bufio.NewScanner(bytes.NewReader(buf))
	var lines []string
	for sc.Scan() && len(lines) < 2 {
		line := strings.TrimSpace(sc.Text())
		if line == "" && len(lines) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) < 2 || lines[0] == "" {
		return false
	}
	for _, r := range lines[0] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	_, _, ok := parseSubRipTiming(lines[1])
	return ok
}

// replaySource serves previously sniffed bytes before the live input.
type replaySource struct {
	Source
	r io.Reader
}

func (s *replaySource) Read(p []byte) (int, error) { return s.r.Read(p) }
