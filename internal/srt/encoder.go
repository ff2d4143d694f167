package srt

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// Writer streams segments to w as numbered SRT blocks.
// Blank segments are skipped and do not consume an index.
type Writer struct {
	w     io.Writer
	index int
}

// NewWriter creates a new SRT writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write appends one block. It reports whether the segment was written.
func (sw *Writer) Write(seg types.Segment) (bool, error) {
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return false, nil
	}

	end := seg.End
	if end < seg.Start {
		end = seg.Start
	}

	sw.index++
	_, err := fmt.Fprintf(sw.w, "%d\n%s --> %s\n%s\n\n",
		sw.index, FormatTimestamp(seg.Start), FormatTimestamp(end), text)
	if err != nil {
		return false, fmt.Errorf("failed to write block %d: %w", sw.index, err)
	}
	return true, nil
}

// Count returns the number of blocks written so far.
func (sw *Writer) Count() int {
	return sw.index
}

// Encode renders segments as SRT text.
func Encode(segments []types.Segment) string {
	var b strings.Builder
	sw := NewWriter(&b)
	for _, seg := range segments {
		// strings.Builder never fails
		_, _ = sw.Write(seg)
	}
	return b.String()
}

// FormatTimestamp formats seconds as HH:MM:SS,mmm, truncating to whole
// milliseconds. Hours widen past two digits when needed.
func FormatTimestamp(seconds float64) string {
	ms := toMillis(seconds)
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// toMillis truncates to milliseconds. The epsilon absorbs binary
// representation error such as 4.35*1000 = 4349.999...
func toMillis(seconds float64) int64 {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int64(math.Floor(seconds*1000 + 1e-6))
}
