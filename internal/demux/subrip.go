package demux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

var subRipTimeBase = media.Rational{Num: 1, Den: 1000}

type subRipCue struct {
	start, end int64 // milliseconds
	text       string
	pos        int64
}

// subRipContainer holds a whole SubRip file as cues sorted by start time.
type subRipContainer struct {
	ci   containerInfo
	cues []subRipCue
	next int
}

func openSubRip(ctx context.Context, src Source, log *slog.Logger) (container, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("subrip: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cues := parseSubRip(data)
	if len(cues) == 0 {
		return nil, errors.New("subrip: no cues")
	}
	c := &subRipContainer{cues: cues}
	last := cues[len(cues)-1].end
	c.ci.addStream(Stream{
		Kind:     media.KindSubtitle,
		Codec:    codec.SubRip,
		Start:    media.NewTime(cues[0].start, 1000),
		Duration: media.NewTime(last, 1000),
		Params:   codec.Params{Codec: codec.SubRip, Kind: media.KindSubtitle, TimeBase: subRipTimeBase},
	})
	c.ci.update(func(md *metadata) { md.duration = media.NewTime(last, 1000) })
	log.Info("loaded subtitles", "cues", len(cues))
	return c, nil
}

func (c *subRipContainer) format() string        { return "subrip" }
func (c *subRipContainer) info() *containerInfo { return &c.ci }

// parseSubRip reads cue blocks separated by blank lines. Blocks without a
// valid timing line are skipped.
func parseSubRip(data []byte) []subRipCue {
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))
	var (
		cues  []subRipCue
		cur   *subRipCue
		lines []string
		pos   int64
		block int64 = -1
	)
	flush := func() {
		if cur != nil {
			cur.text = strings.Join(lines, "\n")
			cues = append(cues, *cur)
		}
		cur, lines, block = nil, nil, -1
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		raw := sc.Text()
		lineStart := pos
		pos += int64(len(raw)) + 1
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if block < 0 {
			block = lineStart
		}
		if cur == nil {
			if s, e, ok := parseSubRipTiming(line); ok {
				cur = &subRipCue{start: s, end: e, pos: block}
			}
			continue
		}
		lines = append(lines, line)
	}
	flush()
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].start < cues[j].start })
	return cues
}

// parseSubRipTiming parses "00:00:01,600 --> 00:00:04,200", ignoring any
// trailing position coordinates. Times are returned in milliseconds.
func parseSubRipTiming(line string) (int64, int64, bool) {
	a, b, ok := strings.Cut(line, "-->")
	if !ok {
		return 0, 0, false
	}
	fields := strings.Fields(b)
	if len(fields) == 0 {
		return 0, 0, false
	}
	start, ok1 := parseSubRipTime(strings.TrimSpace(a))
	end, ok2 := parseSubRipTime(fields[0])
	if !ok1 || !ok2 || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func parseSubRipTime(s string) (int64, bool) {
	hms, ms, ok := strings.Cut(strings.Replace(s, ".", ",", 1), ",")
	if !ok {
		return 0, false
	}
	parts := strings.Split(hms, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var total int64
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, false
		}
		total = total*60 + v
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || m < 0 || m > 999 {
		return 0, false
	}
	return total*1000 + m, true
}

func (c *subRipContainer) readPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.next >= len(c.cues) {
		return nil, io.EOF
	}
	cue := c.cues[c.next]
	c.next++
	return &media.Packet{
		Payload:  media.WrapPayload([]byte(cue.text)),
		PTS:      cue.start,
		DTS:      cue.start,
		Duration: cue.end - cue.start,
		TimeBase: subRipTimeBase,
		Pos:      cue.pos,
		Flags:    media.FlagKeyframe,
	}, nil
}

// seek moves to the first cue still showing at t.
func (c *subRipContainer) seek(_ context.Context, flags SeekFlags, t media.Time, _ int) error {
	if flags&SeekByte != 0 {
		c.next = len(c.cues)
		for i, cue := range c.cues {
			if cue.pos >= t.Time {
				c.next = i
				break
			}
		}
		return nil
	}
	ms := t.Ticks(subRipTimeBase)
	c.next = len(c.cues)
	for i, cue := range c.cues {
		if cue.end > ms {
			c.next = i
			break
		}
	}
	return nil
}
