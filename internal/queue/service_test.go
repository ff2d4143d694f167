package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openaimyfriend/app-legendas/internal/srt"
	"github.com/openaimyfriend/app-legendas/internal/storage"
	"github.com/openaimyfriend/app-legendas/internal/transcription"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

// step is one scripted result of fakeStream.Next.
type step struct {
	seg types.Segment
	err error
}

// fakeSource opens scripted streams chosen by the upload's file name.
type fakeSource struct {
	open func(req transcription.SourceRequest) (transcription.SegmentStream, error)
}

func (f fakeSource) Open(ctx context.Context, req transcription.SourceRequest) (transcription.SegmentStream, error) {
	return f.open(req)
}

func scripted(steps ...step) fakeSource {
	return fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return &fakeStream{steps: steps}, nil
	}}
}

type fakeStream struct {
	steps    []step
	gate     chan struct{}
	onNext   func(call int)
	calls    int
	duration float64
	closed   bool
}

func (s *fakeStream) Next() (types.Segment, error) {
	if s.onNext != nil {
		s.onNext(s.calls)
	}
	s.calls++
	if s.gate != nil {
		<-s.gate
	}
	if len(s.steps) == 0 {
		return types.Segment{}, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.seg, st.err
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// reportingStream adds an engine-reported duration.
type reportingStream struct {
	*fakeStream
}

func (s reportingStream) Duration() float64 { return s.duration }

type fakeProber struct {
	duration float64
	err      error
}

func (p fakeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return p.duration, p.err
}

type fixture struct {
	svc      *Service
	registry *Registry
	pool     *WorkerPool
	store    *storage.LocalStorage
	executor *Executor
}

func newFixture(t *testing.T, src transcription.SegmentSource, prober DurationProber, maxConcurrent int) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	registry := NewRegistry()
	executor := NewExecutor(registry, src, store)
	executor.sleep = func(time.Duration) {}
	pool := NewWorkerPool(maxConcurrent, executor, registry)
	svc := NewService(registry, pool, store, prober, ServiceConfig{MaxUploadBytes: 1 << 20})
	t.Cleanup(pool.Wait)

	return &fixture{svc: svc, registry: registry, pool: pool, store: store, executor: executor}
}

func (f *fixture) submit(t *testing.T, filename string) string {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), Submission{
		Filename: filename,
		Body:     strings.NewReader("RIFF....WAVE"),
	})
	if err != nil {
		t.Fatalf("Submit(%s): %v", filename, err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitScenarioProducesSRT(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []int
		registry *Registry
	)
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		if req.Duration != 10 {
			t.Errorf("duration hint = %v, want 10", req.Duration)
		}
		return &fakeStream{
			steps: []step{
				{seg: types.Segment{Start: 0, End: 2, Text: "hello"}},
				{seg: types.Segment{Start: 2, End: 2, Text: ""}},
				{seg: types.Segment{Start: 5, End: 9, Text: "world"}},
			},
			onNext: func(int) {
				job, _ := registry.Get(req.JobID)
				mu.Lock()
				observed = append(observed, job.Progress)
				mu.Unlock()
			},
		}, nil
	}}

	f := newFixture(t, src, fakeProber{duration: 10}, 0)
	registry = f.registry
	id := f.submit(t, "talk.wav")
	f.pool.Wait()

	status, err := f.svc.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != types.StatusSucceeded || status.Progress != 100 || !status.ResultAvailable {
		t.Fatalf("unexpected status: %+v", status)
	}

	mu.Lock()
	got := append([]int(nil), observed...)
	mu.Unlock()
	want := []int{0, 20, 20, 90}
	if len(got) != len(want) {
		t.Fatalf("observed progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observed progress = %v, want %v", got, want)
		}
	}

	rc, name, err := f.svc.Download(id)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	if name != "talk.srt" {
		t.Fatalf("suggested name = %s", name)
	}
	body, _ := io.ReadAll(rc)
	wantSRT := "1\n00:00:00,000 --> 00:00:02,000\nhello\n\n" +
		"2\n00:00:05,000 --> 00:00:09,000\nworld\n\n"
	if string(body) != wantSRT {
		t.Fatalf("artifact =\n%q\nwant\n%q", body, wantSRT)
	}

	job, _ := f.svc.Job(id)
	if job.SegmentCount != 2 || job.ResultRef != id+".srt" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := f.store.OpenArtifact(job.ResultRef); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func TestMidStreamFailureDiscardsArtifact(t *testing.T) {
	src := scripted(
		step{seg: types.Segment{Start: 0, End: 3, Text: "hello"}},
		step{err: errors.New("decoder crashed")},
	)
	f := newFixture(t, src, fakeProber{duration: 10}, 0)
	id := f.submit(t, "talk.wav")
	f.pool.Wait()

	job, _ := f.svc.Job(id)
	if job.Status != types.StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.Progress != 30 {
		t.Fatalf("progress = %d, want frozen at 30", job.Progress)
	}
	if !strings.Contains(job.StatusText, "decoder crashed") {
		t.Fatalf("status text should carry detail: %q", job.StatusText)
	}
	if _, _, err := f.svc.Download(id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("download err = %v, want ErrNotReady", err)
	}
	if _, err := f.store.OpenArtifact(id + ".srt"); err == nil {
		t.Fatal("partial artifact must not be published")
	}
}

func TestOpenFailureMarksJobFailed(t *testing.T) {
	var uploadPath string
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		uploadPath = req.AudioPath
		return nil, errors.New("cannot decode " + req.AudioPath)
	}}
	f := newFixture(t, src, fakeProber{duration: 10}, 0)
	id := f.submit(t, "broken.mp3")
	f.pool.Wait()

	job, _ := f.svc.Job(id)
	if job.Status != types.StatusFailed || job.Progress != 0 {
		t.Fatalf("unexpected job: %s/%d", job.Status, job.Progress)
	}
	if strings.Contains(job.StatusText, f.store.UploadDir()) {
		t.Fatalf("status text leaks storage path: %q", job.StatusText)
	}
	if !strings.Contains(job.StatusText, "broken.mp3") {
		t.Fatalf("status text lost detail: %q", job.StatusText)
	}
	if uploadPath == "" {
		t.Fatal("source was not opened")
	}
}

func TestExecutorErrorsCarryStage(t *testing.T) {
	registry := NewRegistry()
	root := t.TempDir()
	store, _ := storage.NewLocalStorage(filepath.Join(root, "u"), filepath.Join(root, "o"))

	openFail := NewExecutor(registry, fakeSource{open: func(transcription.SourceRequest) (transcription.SegmentStream, error) {
		return nil, errors.New("bad header")
	}}, store)
	id := registry.Create(Job{})
	if err := openFail.Execute(context.Background(), id); !errors.Is(err, ErrEngineOpen) {
		t.Fatalf("err = %v, want ErrEngineOpen", err)
	}

	streamFail := NewExecutor(registry, scripted(step{err: errors.New("eof in frame")}), store)
	id = registry.Create(Job{})
	err := streamFail.Execute(context.Background(), id)
	if !errors.Is(err, ErrEngineStream) || errors.Is(err, ErrEngineOpen) {
		t.Fatalf("err = %v, want ErrEngineStream only", err)
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Stage != StageStream {
		t.Fatalf("expected stream EngineError, got %T", err)
	}

	if err := streamFail.Execute(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-executing a final job err = %v, want ErrInvalidTransition", err)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, scripted(), nil, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		sub  Submission
		want error
	}{
		{"no body", Submission{Filename: "a.wav"}, ErrBadRequest},
		{"empty name", Submission{Filename: "  ", Body: strings.NewReader("x")}, ErrBadRequest},
		{"empty file", Submission{Filename: "a.wav", Body: strings.NewReader("")}, ErrBadRequest},
		{"too large", Submission{Filename: "a.wav", Body: strings.NewReader(strings.Repeat("x", 2<<20))}, ErrBadRequest},
		{"bad format", Submission{Filename: "notes.txt", Body: strings.NewReader("x")}, ErrUnsupportedMedia},
	}
	for _, tc := range cases {
		if _, err := f.svc.Submit(ctx, tc.sub); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if n := f.registry.Len(); n != 0 {
		t.Fatalf("rejected submissions created %d registry entries", n)
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, scripted(), nil, 0)
	if _, err := f.svc.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status err = %v, want ErrNotFound", err)
	}
	if _, _, err := f.svc.Download("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("download err = %v, want ErrNotFound", err)
	}
}

func TestDownloadNotReadyWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return &fakeStream{steps: []step{{seg: types.Segment{Start: 0, End: 1, Text: "hi"}}}, gate: gate}, nil
	}}
	f := newFixture(t, src, fakeProber{duration: 4}, 0)
	id := f.submit(t, "talk.wav")

	waitFor(t, "job running", func() bool {
		s, _ := f.svc.Status(id)
		return s.Status == types.StatusRunning
	})
	if _, _, err := f.svc.Download(id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("download err = %v, want ErrNotReady", err)
	}
	if s, _ := f.svc.Status(id); s.ResultAvailable {
		t.Fatal("result must not be available while running")
	}

	close(gate)
	f.pool.Wait()
	if s, _ := f.svc.Status(id); s.Status != types.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", s.Status)
	}
}

func TestProbeFailureDegradesToIndeterminate(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []int
		registry *Registry
	)
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return &fakeStream{
			steps: []step{
				{seg: types.Segment{Start: 0, End: 5, Text: "a"}},
				{seg: types.Segment{Start: 5, End: 10, Text: "b"}},
			},
			onNext: func(int) {
				job, _ := registry.Get(req.JobID)
				mu.Lock()
				observed = append(observed, job.Progress)
				mu.Unlock()
			},
		}, nil
	}}
	f := newFixture(t, src, fakeProber{err: errors.New("ffprobe not found")}, 0)
	registry = f.registry
	id := f.submit(t, "talk.wav")
	f.pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, p := range observed {
		if p != 0 {
			t.Fatalf("progress must stay 0 with unknown duration, observed %v", observed)
		}
	}
	if s, _ := f.svc.Status(id); s.Status != types.StatusSucceeded || s.Progress != 100 {
		t.Fatalf("unexpected final status %+v", s)
	}
}

func TestEngineReportedDurationFillsUnknownTotal(t *testing.T) {
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return reportingStream{&fakeStream{
			steps:    []step{{seg: types.Segment{Start: 0, End: 5, Text: "a"}}, {err: errors.New("stop")}},
			duration: 20,
		}}, nil
	}}
	f := newFixture(t, src, nil, 0)
	id := f.submit(t, "talk.wav")
	f.pool.Wait()

	job, _ := f.svc.Job(id)
	if job.TotalDuration != 20 || job.Progress != 25 {
		t.Fatalf("total/progress = %v/%d, want 20/25", job.TotalDuration, job.Progress)
	}
}

func TestJobsRunIndependently(t *testing.T) {
	slowGate := make(chan struct{})
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		stream := &fakeStream{steps: []step{
			{seg: types.Segment{Start: 0, End: 5, Text: filepath.Base(req.AudioPath)}},
		}}
		if filepath.Base(req.AudioPath) == "slow.wav" {
			stream.gate = slowGate
		}
		return stream, nil
	}}
	f := newFixture(t, src, fakeProber{duration: 10}, 0)

	slow := f.submit(t, "slow.wav")
	fast := f.submit(t, "fast.wav")

	waitFor(t, "fast job to finish", func() bool {
		s, _ := f.svc.Status(fast)
		return s.Status == types.StatusSucceeded
	})
	if s, _ := f.svc.Status(slow); s.Status != types.StatusRunning {
		t.Fatalf("slow job status = %s, want RUNNING", s.Status)
	}

	close(slowGate)
	f.pool.Wait()

	for id, text := range map[string]string{slow: "slow.wav", fast: "fast.wav"} {
		rc, _, err := f.svc.Download(id)
		if err != nil {
			t.Fatalf("Download(%s): %v", id, err)
		}
		segs, err := srt.Parse(rc)
		rc.Close()
		if err != nil || len(segs) != 1 || segs[0].Text != text {
			t.Fatalf("job %s artifact = %+v, %v; want text %q", id, segs, err, text)
		}
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	gates := map[string]chan struct{}{
		"a.wav": make(chan struct{}),
		"b.wav": make(chan struct{}),
	}
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return &fakeStream{gate: gates[filepath.Base(req.AudioPath)]}, nil
	}}
	f := newFixture(t, src, nil, 1)

	a := f.submit(t, "a.wav")
	b := f.submit(t, "b.wav")

	running := func() (int, int) {
		var r, q int
		for _, id := range []string{a, b} {
			s, _ := f.svc.Status(id)
			switch s.Status {
			case types.StatusRunning:
				r++
			case types.StatusQueued:
				q++
			}
		}
		return r, q
	}
	waitFor(t, "one job running", func() bool {
		r, _ := running()
		return r == 1
	})
	time.Sleep(20 * time.Millisecond)
	if r, q := running(); r != 1 || q != 1 {
		t.Fatalf("running/queued = %d/%d, want 1/1", r, q)
	}

	close(gates["a.wav"])
	close(gates["b.wav"])
	f.pool.Wait()

	for _, id := range []string{a, b} {
		if s, _ := f.svc.Status(id); s.Status != types.StatusSucceeded {
			t.Fatalf("job %s status = %s", id, s.Status)
		}
	}
}

func TestLaunchRejectsSecondWorker(t *testing.T) {
	gate := make(chan struct{})
	src := fakeSource{open: func(req transcription.SourceRequest) (transcription.SegmentStream, error) {
		return &fakeStream{gate: gate}, nil
	}}
	f := newFixture(t, src, nil, 0)
	id := f.submit(t, "talk.wav")

	if _, err := f.pool.Launch(id); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("second launch err = %v, want ErrJobAlreadyRunning", err)
	}

	close(gate)
	f.pool.Wait()

	if _, err := f.pool.Launch(id); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("launch of finished job err = %v, want ErrJobAlreadyRunning", err)
	}
	if _, err := f.pool.Launch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("launch of unknown job err = %v, want ErrNotFound", err)
	}
	if f.pool.Active() != 0 {
		t.Fatalf("active = %d, want 0", f.pool.Active())
	}
}

type panicRunner struct{}

func (panicRunner) Execute(ctx context.Context, jobID string) error {
	panic("boom")
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	registry := NewRegistry()
	pool := NewWorkerPool(0, panicRunner{}, registry)
	id := registry.Create(Job{})

	task, err := pool.Launch(id)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Wait(ctx); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("task err = %v, want panic error", err)
	}
	if task.Err() == nil {
		t.Fatal("Err should be set after Done")
	}

	job, _ := registry.Get(id)
	if job.Status != types.StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []storage.ArtifactRecord
	urls    map[string]string
}

func (r *fakeRecorder) RecordArtifact(ctx context.Context, rec storage.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) SetDriveURL(ctx context.Context, jobID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.urls == nil {
		r.urls = make(map[string]string)
	}
	r.urls[jobID] = url
	return nil
}

type flakyPublisher struct {
	failures int
	calls    int
	names    []string
}

func (p *flakyPublisher) UploadSubtitle(ctx context.Context, name, localPath string) (string, error) {
	p.calls++
	p.names = append(p.names, name)
	if p.calls <= p.failures {
		return "", errors.New("drive unavailable")
	}
	return "https://drive.google.com/file/d/x/view", nil
}

func TestSuccessIsIndexedAndPublished(t *testing.T) {
	f := newFixture(t, scripted(step{seg: types.Segment{Start: 0, End: 1, Text: "hi"}}), nil, 0)
	rec := &fakeRecorder{}
	pub := &flakyPublisher{failures: 2}
	WithRecorder(rec)(f.executor)
	WithPublisher(pub)(f.executor)

	id := f.submit(t, "podcast.mp3")
	f.pool.Wait()

	if pub.calls != 3 || pub.names[0] != "podcast.srt" {
		t.Fatalf("publisher calls = %d names = %v", pub.calls, pub.names)
	}
	job, _ := f.svc.Job(id)
	if job.DriveURL == "" || job.Status != types.StatusSucceeded {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(rec.records) != 1 || rec.records[0].JobID != id || rec.records[0].SegmentCount != 1 {
		t.Fatalf("records = %+v", rec.records)
	}
	if rec.urls[id] != job.DriveURL {
		t.Fatalf("drive url not indexed: %v", rec.urls)
	}
}

func TestPublishFailureKeepsJobSucceeded(t *testing.T) {
	f := newFixture(t, scripted(step{seg: types.Segment{Start: 0, End: 1, Text: "hi"}}), nil, 0)
	pub := &flakyPublisher{failures: 10}
	WithPublisher(pub)(f.executor)

	id := f.submit(t, "a.wav")
	f.pool.Wait()

	job, _ := f.svc.Job(id)
	if job.Status != types.StatusSucceeded || job.DriveURL != "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if pub.calls != 3 {
		t.Fatalf("calls = %d, want 3", pub.calls)
	}
}

func TestSuggestedName(t *testing.T) {
	cases := map[string]string{
		"talk.wav":          "talk.srt",
		"dir/episode.1.mp3": "episode.1.srt",
		".hidden":           ".hidden.srt",
		"":                  "subtitles.srt",
	}
	for in, want := range cases {
		if got := SuggestedName(in); got != want {
			t.Errorf("SuggestedName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactPaths(t *testing.T) {
	msg := redactPaths("open /srv/data/uploads/abc/x.wav: bad", []string{"/srv/data/uploads", "uploads"})
	if msg != "open abc/x.wav: bad" {
		t.Fatalf("msg = %q", msg)
	}
}

type refusingLauncher struct{}

func (refusingLauncher) Launch(jobID string) (*Task, error) {
	return nil, ErrJobAlreadyRunning
}

func TestSubmitLaunchFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, scripted(), nil, 0)
	f.svc.pool = refusingLauncher{}

	_, err := f.svc.Submit(context.Background(), Submission{
		Filename: "talk.wav",
		Body:     strings.NewReader("RIFF"),
	})
	if !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("err = %v, want launch failure", err)
	}
	if n := f.registry.Len(); n != 0 {
		t.Fatalf("failed submission left %d registry entries", n)
	}
	entries, _ := os.ReadDir(f.store.UploadDir())
	if len(entries) != 0 {
		t.Fatalf("failed submission left %d upload entries", len(entries))
	}
}

func TestExecutorLogsRejectedUpdates(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	registry := NewRegistry()
	e := NewExecutor(registry, scripted(), nil)

	if e.update("missing", "drive url", func(j *Job) { j.DriveURL = "x" }) {
		t.Fatal("update of unknown job reported success")
	}
	if !strings.Contains(buf.String(), "drive url update rejected") {
		t.Fatalf("rejection not logged: %q", buf.String())
	}

	id := registry.Create(Job{})
	if !e.update(id, "duration", func(j *Job) { j.TotalDuration = 12 }) {
		t.Fatal("valid update reported failure")
	}
	if job, _ := registry.Get(id); job.TotalDuration != 12 {
		t.Fatalf("total = %v", job.TotalDuration)
	}
}
