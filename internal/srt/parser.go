package srt

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// Parse reads SRT blocks back into segments. Multi-line cue text is
// joined with "\n".
func Parse(r io.Reader) ([]types.Segment, error) {
	scanner := bufio.NewScanner(r)
	var (
		segments []types.Segment
		block    []string
		lineNo   int
	)

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		seg, err := parseBlock(block)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		segments = append(segments, seg)
		block = block[:0]
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return segments, nil
}

func parseBlock(lines []string) (types.Segment, error) {
	if len(lines) < 2 {
		return types.Segment{}, fmt.Errorf("incomplete block")
	}
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return types.Segment{}, fmt.Errorf("invalid index %q", lines[0])
	}

	startRaw, endRaw, ok := strings.Cut(lines[1], "-->")
	if !ok {
		return types.Segment{}, fmt.Errorf("invalid timing line %q", lines[1])
	}
	start, err := ParseTimestamp(strings.TrimSpace(startRaw))
	if err != nil {
		return types.Segment{}, err
	}
	end, err := ParseTimestamp(strings.TrimSpace(endRaw))
	if err != nil {
		return types.Segment{}, err
	}

	return types.Segment{
		Start: start,
		End:   end,
		Text:  strings.Join(lines[2:], "\n"),
	}, nil
}

// ParseTimestamp parses HH:MM:SS,mmm into seconds.
func ParseTimestamp(ts string) (float64, error) {
	clock, msRaw, ok := strings.Cut(ts, ",")
	if !ok {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}

	var fields [4]int64
	for i, raw := range append(parts, msRaw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", ts)
		}
		fields[i] = v
	}
	if fields[1] > 59 || fields[2] > 59 || fields[3] > 999 {
		return 0, fmt.Errorf("timestamp out of range %q", ts)
	}

	ms := fields[0]*3_600_000 + fields[1]*60_000 + fields[2]*1000 + fields[3]
	return float64(ms) / 1000, nil
}
