package transcription

import (
	"context"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// SourceRequest describes one audio resource to transcribe.
type SourceRequest struct {
	JobID     string
	AudioPath string
	// Duration is a hint in seconds; 0 means unknown.
	Duration float64
}

// SegmentStream is a lazy, finite, non-restartable sequence of segments in
// non-decreasing time order. Next returns io.EOF once the sequence is
// exhausted; any other error is a mid-stream failure.
type SegmentStream interface {
	Next() (types.Segment, error)
	Close() error
}

// SegmentSource opens segment streams for audio resources.
type SegmentSource interface {
	Open(ctx context.Context, req SourceRequest) (SegmentStream, error)
}
