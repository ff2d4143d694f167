package transcription

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newFakeTranscriber replaces the helper with a shell script.
func newFakeTranscriber(t *testing.T, script string) *WhisperTranscriber {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	wt, err := NewWhisperTranscriber(WhisperConfig{Language: "en", VADThreshold: 0.5})
	if err != nil {
		t.Fatalf("NewWhisperTranscriber: %v", err)
	}
	t.Cleanup(func() { wt.Close() })

	wt.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return wt
}

func TestWhisperStreamYieldsSegments(t *testing.T) {
	wt := newFakeTranscriber(t, `
echo '{"type":"info","duration":10.0,"language":"en"}'
echo '{"type":"segment","start":0.0,"end":2.0,"text":" hello"}'
echo '{"type":"segment","start":5.0,"end":9.0,"text":" world"}'
`)

	stream, err := wt.Open(context.Background(), SourceRequest{AudioPath: filepath.Join(t.TempDir(), "a.wav")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if d, ok := stream.(interface{ Duration() float64 }); !ok || d.Duration() != 10 {
		t.Fatalf("expected reported duration 10")
	}

	var texts []string
	for {
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		texts = append(texts, seg.Text)
	}
	if strings.Join(texts, "|") != " hello| world" {
		t.Fatalf("texts = %q", texts)
	}
}

func TestWhisperOpenFailure(t *testing.T) {
	wt := newFakeTranscriber(t, `echo 'Invalid data found when processing input' >&2; exit 1`)

	_, err := wt.Open(context.Background(), SourceRequest{AudioPath: "broken.mp3"})
	if err == nil {
		t.Fatal("expected open error")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("error should carry stderr detail: %v", err)
	}
}

func TestWhisperMidStreamFailure(t *testing.T) {
	wt := newFakeTranscriber(t, `
echo '{"type":"info","duration":10.0,"language":"en"}'
echo '{"type":"segment","start":0.0,"end":2.0,"text":"hello"}'
echo 'decoder crashed' >&2
exit 3
`)

	stream, err := wt.Open(context.Background(), SourceRequest{AudioPath: "a.wav"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	_, err = stream.Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected mid-stream error, got %v", err)
	}
	if !strings.Contains(err.Error(), "decoder crashed") {
		t.Fatalf("error should carry stderr detail: %v", err)
	}
}

// floodScript prints a malformed record followed by far more output than a
// pipe buffer holds.
const floodScript = `
i=0
while [ $i -lt 3000 ]; do
  echo 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'
  i=$((i+1))
done
`

// within fails the test if fn has not returned after d.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s still blocked after %s", what, d)
	}
}

func TestWhisperMalformedRecordWithPendingOutput(t *testing.T) {
	wt := newFakeTranscriber(t, `
echo '{"type":"info","duration":10.0,"language":"en"}'
echo 'not json'
`+floodScript)

	stream, err := wt.Open(context.Background(), SourceRequest{AudioPath: "a.wav"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	var nextErr error
	within(t, 5*time.Second, "Next", func() {
		_, nextErr = stream.Next()
	})
	if nextErr == nil || errors.Is(nextErr, io.EOF) {
		t.Fatalf("expected stream error, got %v", nextErr)
	}
	if !strings.Contains(nextErr.Error(), "mid-stream") {
		t.Fatalf("unexpected error: %v", nextErr)
	}
}

func TestWhisperMalformedHeaderWithPendingOutput(t *testing.T) {
	wt := newFakeTranscriber(t, "echo 'loading model...'\n"+floodScript)

	var openErr error
	within(t, 5*time.Second, "Open", func() {
		_, openErr = wt.Open(context.Background(), SourceRequest{AudioPath: "a.wav"})
	})
	if openErr == nil {
		t.Fatal("expected open error")
	}
}

func TestBuildArgs(t *testing.T) {
	wt := &WhisperTranscriber{
		cfg:        WhisperConfig{Model: "small", Language: "auto", Device: "cpu", ComputeType: "int8", VADThreshold: 0.4},
		scriptPath: "/tmp/s.py",
	}
	args := strings.Join(wt.buildArgs("/a.wav"), " ")
	if strings.Contains(args, "--language") {
		t.Fatalf("auto language should not pass --language: %s", args)
	}
	if !strings.Contains(args, "--vad-threshold 0.4") {
		t.Fatalf("expected vad threshold in args: %s", args)
	}
	if !strings.HasPrefix(args, "/tmp/s.py --audio /a.wav --model small") {
		t.Fatalf("unexpected args: %s", args)
	}
}

func TestValidateAudioFormat(t *testing.T) {
	if !ValidateAudioFormat("talk.MP3", nil) {
		t.Fatal("mp3 should be accepted by default")
	}
	if ValidateAudioFormat("talk.txt", nil) {
		t.Fatal("txt should be rejected")
	}
	if ValidateAudioFormat("noext", nil) {
		t.Fatal("missing extension should be rejected")
	}
	if ValidateAudioFormat("talk.mp3", []string{"wav"}) {
		t.Fatal("wav-only deployment should reject mp3")
	}
	if !ValidateAudioFormat("talk.wav", []string{"wav"}) {
		t.Fatal("wav-only deployment should accept wav")
	}
}

func TestParseProbeOutput(t *testing.T) {
	if d, err := parseProbeOutput("12.480000\n"); err != nil || d != 12.48 {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := parseProbeOutput("N/A"); err == nil {
		t.Fatal("expected error for N/A")
	}
}
