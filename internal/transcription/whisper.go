package transcription

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

//go:embed assets/stream_segments.py
var streamScript []byte

// WhisperConfig selects the faster-whisper model profile.
type WhisperConfig struct {
	Python       string
	Model        string
	Language     string
	Device       string
	ComputeType  string
	VADThreshold float64
}

// WhisperTranscriber streams segments from faster-whisper through an
// embedded python helper that prints one JSON record per line.
type WhisperTranscriber struct {
	cfg        WhisperConfig
	scriptDir  string
	scriptPath string
	command    func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewWhisperTranscriber writes the helper script to a private temp dir.
func NewWhisperTranscriber(cfg WhisperConfig) (*WhisperTranscriber, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Model == "" {
		cfg.Model = "tiny"
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	if cfg.ComputeType == "" {
		cfg.ComputeType = "default"
	}

	dir, err := os.MkdirTemp("", "legendas-whisper-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create script dir: %w", err)
	}
	scriptPath := filepath.Join(dir, "stream_segments.py")
	if err := os.WriteFile(scriptPath, streamScript, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write helper script: %w", err)
	}

	log.Printf("Initializing faster-whisper (model: %s, language: %s, device: %s)",
		cfg.Model, displayLanguage(cfg.Language), cfg.Device)
	log.Printf("Whisper will be called via: %s %s", cfg.Python, scriptPath)

	return &WhisperTranscriber{
		cfg:        cfg,
		scriptDir:  dir,
		scriptPath: scriptPath,
		command:    exec.CommandContext,
	}, nil
}

// Close removes the helper script.
func (wt *WhisperTranscriber) Close() error {
	return os.RemoveAll(wt.scriptDir)
}

// Open starts the helper and waits for its header record, so that
// unreadable audio fails here rather than mid-stream.
func (wt *WhisperTranscriber) Open(ctx context.Context, req SourceRequest) (SegmentStream, error) {
	absAudioPath, err := filepath.Abs(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	cmd := wt.command(ctx, wt.cfg.Python, wt.buildArgs(absAudioPath)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open helper stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	// Grandchildren holding the pipes must not stall Wait after a kill.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start whisper helper: %w", err)
	}

	stream := &whisperStream{
		cmd:    cmd,
		dec:    json.NewDecoder(stdout),
		stderr: stderr,
	}

	var header record
	if err := stream.dec.Decode(&header); err != nil {
		return nil, stream.abort("whisper could not read audio", err)
	}
	if header.Type != "info" {
		stream.Close()
		return nil, fmt.Errorf("unexpected first record type %q", header.Type)
	}
	stream.duration = header.Duration

	log.Printf("Whisper opened %s (duration: %.2fs, language: %s)",
		filepath.Base(req.AudioPath), header.Duration, header.Language)
	return stream, nil
}

func (wt *WhisperTranscriber) buildArgs(audioPath string) []string {
	args := []string{
		wt.scriptPath,
		"--audio", audioPath,
		"--model", wt.cfg.Model,
		"--device", wt.cfg.Device,
		"--compute-type", wt.cfg.ComputeType,
	}
	if lang := normalizeLanguage(wt.cfg.Language); lang != "" {
		args = append(args, "--language", lang)
	}
	if wt.cfg.VADThreshold > 0 {
		args = append(args, "--vad-threshold", strconv.FormatFloat(wt.cfg.VADThreshold, 'f', -1, 64))
	}
	return args
}

// record is one JSON line emitted by the helper.
type record struct {
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Text     string  `json:"text"`
}

type whisperStream struct {
	cmd      *exec.Cmd
	dec      *json.Decoder
	stderr   *tailBuffer
	duration float64

	once    sync.Once
	waitErr error
}

// Duration is the audio length reported by the engine.
func (s *whisperStream) Duration() float64 {
	return s.duration
}

func (s *whisperStream) Next() (types.Segment, error) {
	for {
		var rec record
		if err := s.dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				if waitErr := s.finish(); waitErr != nil {
					return types.Segment{}, helperError("whisper stopped mid-stream", waitErr, err, s.stderr)
				}
				return types.Segment{}, io.EOF
			}
			return types.Segment{}, s.abort("whisper stopped mid-stream", err)
		}
		if rec.Type != "segment" {
			continue
		}
		return types.Segment{Start: rec.Start, End: rec.End, Text: rec.Text}, nil
	}
}

func (s *whisperStream) Close() error {
	s.kill()
	s.finish()
	return nil
}

// abort handles an undecodable stdout. Past a clean end of output the helper
// is exiting on its own and its exit status explains the failure. Otherwise
// nobody reads stdout any more, so the helper is killed before it is reaped
// and the decode error is reported.
func (s *whisperStream) abort(msg string, decodeErr error) error {
	if errors.Is(decodeErr, io.EOF) || errors.Is(decodeErr, io.ErrUnexpectedEOF) {
		return helperError(msg, s.finish(), decodeErr, s.stderr)
	}
	s.kill()
	s.finish()
	return helperError(msg, nil, decodeErr, s.stderr)
}

func (s *whisperStream) kill() {
	if s.cmd.ProcessState == nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// finish reaps the helper exactly once.
func (s *whisperStream) finish() error {
	s.once.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func helperError(msg string, waitErr, decodeErr error, stderr *tailBuffer) error {
	detail := strings.TrimSpace(stderr.String())
	cause := waitErr
	if cause == nil {
		cause = decodeErr
	}
	if detail != "" {
		return fmt.Errorf("%s: %s: %w", msg, lastLine(detail), cause)
	}
	return fmt.Errorf("%s: %w", msg, cause)
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func displayLanguage(raw string) string {
	if lang := normalizeLanguage(raw); lang != "" {
		return lang
	}
	return "auto"
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
