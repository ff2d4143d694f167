package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrEmptyUpload is returned when an upload has no bytes.
	ErrEmptyUpload = errors.New("upload is empty")
)

// LocalStorage keeps raw uploads and finished subtitles on the local
// filesystem. Uploads live under uploadDir/<job id>/, artifacts are
// outputDir/<job id>.srt.
type LocalStorage struct {
	uploadDir string
	outputDir string
}

// NewLocalStorage creates both storage areas if they don't exist
func NewLocalStorage(uploadDir, outputDir string) (*LocalStorage, error) {
	if filepath.Clean(uploadDir) == filepath.Clean(outputDir) {
		return nil, fmt.Errorf("upload and output directories must differ")
	}
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &LocalStorage{
		uploadDir: uploadDir,
		outputDir: outputDir,
	}, nil
}

// SaveUpload copies r into the job's upload area and returns the file path.
// A maxBytes of 0 disables the size check.
func (ls *LocalStorage) SaveUpload(jobID, filename string, r io.Reader, maxBytes int64) (string, error) {
	jobDir := filepath.Join(ls.uploadDir, jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(jobDir, sanitizeFilename(filename))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer out.Close()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return "", ErrTooLarge
	}
	if n == 0 {
		return "", ErrEmptyUpload
	}
	return path, nil
}

// RemoveUpload deletes the job's upload area.
func (ls *LocalStorage) RemoveUpload(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(ls.uploadDir, jobID))
}

// ArtifactName is the deterministic artifact name for a job.
func ArtifactName(jobID string) string {
	return jobID + ".srt"
}

// CreateArtifact opens a temporary file that becomes the job's artifact
// only once committed.
func (ls *LocalStorage) CreateArtifact(jobID string) (*Artifact, error) {
	f, err := os.CreateTemp(ls.outputDir, jobID+"-*.srt.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	return &Artifact{
		file:  f,
		name:  ArtifactName(jobID),
		final: filepath.Join(ls.outputDir, ArtifactName(jobID)),
	}, nil
}

// OpenArtifact opens a committed artifact by name.
func (ls *LocalStorage) OpenArtifact(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	return os.Open(filepath.Join(ls.outputDir, name))
}

// ArtifactPath returns the on-disk location of an artifact.
func (ls *LocalStorage) ArtifactPath(name string) string {
	return filepath.Join(ls.outputDir, name)
}

// Roots returns the storage directories, used to scrub paths from
// user-visible messages.
func (ls *LocalStorage) Roots() []string {
	roots := []string{ls.uploadDir, ls.outputDir}
	for _, dir := range []string{ls.uploadDir, ls.outputDir} {
		if abs, err := filepath.Abs(dir); err == nil {
			roots = append(roots, abs)
		}
	}
	return roots
}

// UploadDir is the raw upload area.
func (ls *LocalStorage) UploadDir() string {
	return ls.uploadDir
}

// Artifact is an in-progress subtitle file.
type Artifact struct {
	file  *os.File
	name  string
	final string
	done  bool
}

func (a *Artifact) Write(p []byte) (int, error) {
	return a.file.Write(p)
}

// Commit flushes and atomically moves the artifact into place.
func (a *Artifact) Commit() (string, error) {
	if a.done {
		return "", fmt.Errorf("artifact already finalized")
	}
	a.done = true

	if err := a.file.Sync(); err != nil {
		a.file.Close()
		os.Remove(a.file.Name())
		return "", fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.file.Name())
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(a.file.Name(), a.final); err != nil {
		os.Remove(a.file.Name())
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}
	return a.name, nil
}

// Discard drops the partial artifact. Safe to call after Commit.
func (a *Artifact) Discard() error {
	if a.done {
		return nil
	}
	a.done = true
	a.file.Close()
	if err := os.Remove(a.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFilename strips directories and characters that are invalid on
// common filesystems
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	result := strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), r < 0x20:
			return '_'
		}
		return r
	}, name)
	result = strings.TrimSpace(result)
	if result == "" || result == "." || result == ".." {
		result = "audio"
	}
	if len(result) > 100 {
		ext := filepath.Ext(result)
		if len(ext) > 10 {
			ext = ""
		}
		cut := 100 - len(ext)
		for cut > 0 && !utf8.RuneStart(result[cut]) {
			cut--
		}
		result = result[:cut] + ext
	}
	return result
}
