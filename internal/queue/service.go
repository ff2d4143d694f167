package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/openaimyfriend/app-legendas/internal/storage"
	"github.com/openaimyfriend/app-legendas/internal/transcription"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

// DurationProber measures audio length in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// launcher starts the worker of a queued job.
type launcher interface {
	Launch(jobID string) (*Task, error)
}

// ServiceConfig holds submission limits.
type ServiceConfig struct {
	MaxUploadBytes int64
	AllowedFormats []string
	ProbeTimeout   time.Duration
}

// Submission is one audio upload.
type Submission struct {
	Filename    string
	RequestName string
	SourceType  string
	Body        io.Reader
}

// Service is the boundary used by the HTTP layer: submit, poll, fetch.
type Service struct {
	registry *Registry
	pool     launcher
	store    *storage.LocalStorage
	prober   DurationProber
	cfg      ServiceConfig
}

// NewService wires the facade. prober may be nil, in which case every job
// reports indeterminate progress.
func NewService(registry *Registry, pool *WorkerPool, store *storage.LocalStorage, prober DurationProber, cfg ServiceConfig) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	return &Service{
		registry: registry,
		pool:     pool,
		store:    store,
		prober:   prober,
		cfg:      cfg,
	}
}

// Submit stores the upload, registers a job and starts its worker. It
// returns as soon as the worker is launched.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	filename := strings.TrimSpace(sub.Filename)
	if sub.Body == nil || filename == "" {
		return "", fmt.Errorf("%w: no file uploaded", ErrBadRequest)
	}
	if !transcription.ValidateAudioFormat(filename, s.cfg.AllowedFormats) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, extOf(filename))
	}
	if sub.SourceType == "" {
		sub.SourceType = types.SourceUpload
	}
	if strings.TrimSpace(sub.RequestName) == "" {
		sub.RequestName = "untitled"
	}

	jobID := s.registry.Create(Job{
		RequestName: sub.RequestName,
		SourceType:  sub.SourceType,
		Filename:    filename,
	})

	path, err := s.store.SaveUpload(jobID, filename, sub.Body, s.cfg.MaxUploadBytes)
	if err != nil {
		s.rollback(jobID)
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			return "", fmt.Errorf("%w (max %d bytes)", ErrFileTooLarge, s.cfg.MaxUploadBytes)
		case errors.Is(err, storage.ErrEmptyUpload):
			return "", fmt.Errorf("%w: uploaded file is empty", ErrBadRequest)
		}
		return "", fmt.Errorf("failed to save upload: %w", err)
	}

	duration := s.probe(ctx, jobID, path)
	if _, err := s.registry.Update(jobID, func(j *Job) {
		j.FilePath = path
		j.TotalDuration = duration
	}); err != nil {
		s.rollback(jobID)
		return "", err
	}

	if _, err := s.pool.Launch(jobID); err != nil {
		s.rollback(jobID)
		return "", fmt.Errorf("failed to launch job %s: %w", jobID, err)
	}

	log.Printf("Job %s submitted (source: %s, name: %s, file: %s)", jobID, sub.SourceType, sub.RequestName, filename)
	return jobID, nil
}

// rollback forgets a job whose submission failed, along with its upload.
func (s *Service) rollback(jobID string) {
	s.registry.discard(jobID)
	if err := s.store.RemoveUpload(jobID); err != nil {
		log.Printf("Failed to remove upload of rejected job %s: %v", jobID, err)
	}
}

// probe is best effort; failures degrade to indeterminate progress.
func (s *Service) probe(ctx context.Context, jobID, path string) float64 {
	if s.prober == nil {
		return 0
	}
	// Detached from the request so a slow client does not cancel the probe.
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProbeTimeout)
	defer cancel()

	d, err := s.prober.ProbeDuration(probeCtx, path)
	if err != nil {
		log.Printf("Job %s: duration probe failed, progress will be indeterminate: %v", jobID, err)
		return 0
	}
	return d
}

// Status returns the poll view of a job.
func (s *Service) Status(jobID string) (StatusView, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return StatusView{}, err
	}
	return job.View(), nil
}

// Job returns the full snapshot of a job.
func (s *Service) Job(jobID string) (Job, error) {
	return s.registry.Get(jobID)
}

// Jobs lists all tracked jobs, newest first.
func (s *Service) Jobs() []Job {
	return s.registry.List()
}

// Download opens the artifact of a succeeded job. It never blocks on an
// unfinished job.
func (s *Service) Download(jobID string) (io.ReadCloser, string, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, "", err
	}
	if job.Status != types.StatusSucceeded || job.ResultRef == "" {
		return nil, "", ErrNotReady
	}

	f, err := s.store.OpenArtifact(job.ResultRef)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, SuggestedName(job.Filename), nil
}

func extOf(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return strings.ToLower(filename[i:])
	}
	return "(no extension)"
}
