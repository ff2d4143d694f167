package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/openaimyfriend/app-legendas/internal/srt"
	"github.com/openaimyfriend/app-legendas/internal/storage"
	"github.com/openaimyfriend/app-legendas/internal/transcription"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

// Recorder indexes finished artifacts.
type Recorder interface {
	RecordArtifact(ctx context.Context, rec storage.ArtifactRecord) error
	SetDriveURL(ctx context.Context, jobID, url string) error
}

// Publisher mirrors finished artifacts to remote storage.
type Publisher interface {
	UploadSubtitle(ctx context.Context, name, localPath string) (string, error)
}

// durationReporter is implemented by streams that know the audio length.
type durationReporter interface {
	Duration() float64
}

// Executor drives one job from segment source to committed SRT artifact.
type Executor struct {
	registry  *Registry
	source    transcription.SegmentSource
	store     *storage.LocalStorage
	recorder  Recorder
	publisher Publisher

	publishAttempts int
	sleep           func(time.Duration)
}

// ExecutorOption configures optional collaborators.
type ExecutorOption func(*Executor)

// WithRecorder indexes each succeeded job.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithPublisher mirrors each succeeded job's artifact.
func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// NewExecutor creates a new executor
func NewExecutor(registry *Registry, source transcription.SegmentSource, store *storage.LocalStorage, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:        registry,
		source:          source,
		store:           store,
		publishAttempts: 3,
		sleep:           time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the job to a terminal state. The returned error is also
// recorded on the job; callers only need it for logging.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	job, err := e.registry.Update(jobID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = types.StatusRunning
		j.StatusText = "Transcribing audio"
		j.StartedAt = &now
	})
	if err != nil {
		return fmt.Errorf("cannot start job %s: %w", jobID, err)
	}
	defer e.cleanupUpload(jobID)

	log.Printf("Job %s: transcription started (file: %s, duration: %.2fs)", jobID, job.Filename, job.TotalDuration)

	stream, err := e.source.Open(ctx, transcription.SourceRequest{
		JobID:     jobID,
		AudioPath: job.FilePath,
		Duration:  job.TotalDuration,
	})
	if err != nil {
		return e.fail(jobID, &EngineError{Stage: StageOpen, Err: err})
	}
	defer stream.Close()

	est := NewEstimator(job.TotalDuration)
	if !est.Known() {
		if dr, ok := stream.(durationReporter); ok && dr.Duration() > 0 {
			est.SetTotal(dr.Duration())
			e.update(jobID, "duration", func(j *Job) { j.TotalDuration = dr.Duration() })
		}
	}

	artifact, err := e.store.CreateArtifact(jobID)
	if err != nil {
		return e.fail(jobID, err)
	}
	defer artifact.Discard()

	sw := srt.NewWriter(artifact)
	for {
		seg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return e.fail(jobID, &EngineError{Stage: StageStream, Err: err})
		}
		if seg.Blank() {
			continue
		}

		if _, err := sw.Write(seg); err != nil {
			return e.fail(jobID, err)
		}
		if pct, changed := est.Observe(seg.End); changed {
			e.update(jobID, "progress", func(j *Job) { j.Progress = pct })
		}
	}

	e.update(jobID, "status text", func(j *Job) { j.StatusText = "Writing subtitles" })

	ref, err := artifact.Commit()
	if err != nil {
		return e.fail(jobID, err)
	}

	job, err = e.registry.Update(jobID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = types.StatusSucceeded
		j.StatusText = "Subtitles ready"
		j.Progress = 100
		j.ResultRef = ref
		j.SegmentCount = sw.Count()
		j.CompletedAt = &now
	})
	if err != nil {
		return fmt.Errorf("cannot finalize job %s: %w", jobID, err)
	}

	log.Printf("Job %s: completed (%d subtitles, artifact: %s)", jobID, sw.Count(), ref)
	e.afterSuccess(ctx, job)
	return nil
}

// fail marks the job failed with a message scrubbed of storage paths.
func (e *Executor) fail(jobID string, cause error) error {
	msg := redactPaths(cause.Error(), e.store.Roots())
	_, err := e.registry.Update(jobID, func(j *Job) {
		now := time.Now().UTC()
		j.Status = types.StatusFailed
		j.StatusText = msg
		j.CompletedAt = &now
	})
	if err != nil {
		log.Printf("Job %s: cannot record failure: %v", jobID, err)
	}

	var engineErr *EngineError
	if errors.As(cause, &engineErr) {
		log.Printf("Job %s: FAILED at %s stage: %v", jobID, engineErr.Stage, cause)
	} else {
		log.Printf("Job %s: FAILED: %v", jobID, cause)
	}
	return cause
}

// afterSuccess indexes and mirrors the artifact. Failures are logged only;
// the job is already succeeded.
func (e *Executor) afterSuccess(ctx context.Context, job Job) {
	localPath := e.store.ArtifactPath(job.ResultRef)

	if e.recorder != nil {
		err := e.recorder.RecordArtifact(ctx, storage.ArtifactRecord{
			JobID:        job.ID,
			RequestName:  job.RequestName,
			SourceType:   job.SourceType,
			ArtifactPath: localPath,
			Duration:     job.TotalDuration,
			SegmentCount: job.SegmentCount,
		})
		if err != nil {
			log.Printf("Job %s: database save failed: %v", job.ID, err)
		}
	}

	if e.publisher == nil {
		return
	}

	var (
		driveURL string
		err      error
	)
	for attempt := 1; attempt <= e.publishAttempts; attempt++ {
		driveURL, err = e.publisher.UploadSubtitle(ctx, SuggestedName(job.Filename), localPath)
		if err == nil {
			break
		}
		log.Printf("Job %s: Google Drive upload attempt %d/%d failed: %v", job.ID, attempt, e.publishAttempts, err)
		if attempt < e.publishAttempts {
			e.sleep(time.Duration(attempt*attempt) * time.Second)
		}
	}
	if err != nil {
		log.Printf("Job %s: WARNING - Google Drive upload failed, subtitle kept locally only", job.ID)
		return
	}

	e.update(job.ID, "drive url", func(j *Job) { j.DriveURL = driveURL })
	if e.recorder != nil {
		if err := e.recorder.SetDriveURL(ctx, job.ID, driveURL); err != nil {
			log.Printf("Job %s: database update failed: %v", job.ID, err)
		}
	}
}

// update applies a non-transition change; a rejection is logged, not fatal.
func (e *Executor) update(jobID, what string, mutate func(j *Job)) bool {
	if _, err := e.registry.Update(jobID, mutate); err != nil {
		log.Printf("Job %s: %s update rejected: %v", jobID, what, err)
		return false
	}
	return true
}

func (e *Executor) cleanupUpload(jobID string) {
	if err := e.store.RemoveUpload(jobID); err != nil {
		log.Printf("Failed to cleanup upload for job %s: %v", jobID, err)
	}
}

// SuggestedName derives the download name from the uploaded filename.
func SuggestedName(filename string) string {
	base := filename
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	if base == "" {
		base = "subtitles"
	}
	return base + ".srt"
}

// redactPaths strips storage directories from msg, longest root first.
func redactPaths(msg string, roots []string) string {
	sorted := append([]string(nil), roots...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, root := range sorted {
		if root == "" || root == "." {
			continue
		}
		root = strings.TrimRight(root, `/\`)
		msg = strings.ReplaceAll(msg, root+"/", "")
		msg = strings.ReplaceAll(msg, root+`\`, "")
		msg = strings.ReplaceAll(msg, root, "")
	}
	return msg
}
