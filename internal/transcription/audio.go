package transcription

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultFormats lists the extensions accepted when none are configured.
var DefaultFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma"}

// ValidateAudioFormat checks if the file extension is in the allowed list.
// An empty list falls back to DefaultFormats.
func ValidateAudioFormat(filename string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = DefaultFormats
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}

	for _, format := range allowed {
		format = strings.ToLower(strings.TrimSpace(format))
		if !strings.HasPrefix(format, ".") {
			format = "." + format
		}
		if ext == format {
			return true
		}
	}
	return false
}

// FFprobe measures audio duration with the ffprobe binary.
type FFprobe struct {
	Path string
}

// ProbeDuration returns the container duration in seconds.
func (p FFprobe) ProbeDuration(ctx context.Context, audioPath string) (float64, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeOutput(string(output))
}

func parseProbeOutput(out string) (float64, error) {
	raw := strings.TrimSpace(out)
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ffprobe duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", d)
	}
	return d, nil
}
