package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scheduler sweeps raw uploads and partial artifacts left behind by jobs
// that never reached their own cleanup, e.g. after a crash.
type Scheduler struct {
	uploadDir string
	outputDir string
	interval  time.Duration
	maxAge    time.Duration
	inUse     func(jobID string) bool
	now       func() time.Time
	stopChan  chan struct{}
}

// NewScheduler creates a new cleanup scheduler. inUse reports whether a
// job still owns its upload directory; it may be nil.
func NewScheduler(uploadDir, outputDir string, interval, maxAge time.Duration, inUse func(jobID string) bool) *Scheduler {
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	return &Scheduler{
		uploadDir: uploadDir,
		outputDir: outputDir,
		interval:  interval,
		maxAge:    maxAge,
		inUse:     inUse,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the cleanup scheduler
func (s *Scheduler) Start() {
	log.Println("Running initial upload cleanup...")
	s.cleanOldFiles()

	ticker := time.NewTicker(s.interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.cleanOldFiles()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Cleanup scheduler started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	log.Println("Cleanup scheduler stopped")
}

// cleanOldFiles removes stale job upload directories and orphaned
// .srt.part files. Committed artifacts are never touched.
func (s *Scheduler) cleanOldFiles() (int, int64) {
	var (
		deletedCount int
		deletedSize  int64
	)

	entries, err := os.ReadDir(s.uploadDir)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Error during cleanup: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && s.inUse(entry.Name()) {
			continue
		}
		path := filepath.Join(s.uploadDir, entry.Name())
		if !s.expired(entry) {
			continue
		}
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			log.Printf("Failed to delete old upload %s: %v", path, err)
			continue
		}
		deletedCount++
		deletedSize += size
		log.Printf("Deleted stale upload: %s (size: %dKB)", entry.Name(), size/1024)
	}

	parts, err := os.ReadDir(s.outputDir)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Error during cleanup: %v", err)
	}
	for _, entry := range parts {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".srt.part") || !s.expired(entry) {
			continue
		}
		path := filepath.Join(s.outputDir, entry.Name())
		size := dirSize(path)
		if err := os.Remove(path); err != nil {
			log.Printf("Failed to delete partial artifact %s: %v", path, err)
			continue
		}
		deletedCount++
		deletedSize += size
		log.Printf("Deleted partial artifact: %s", entry.Name())
	}

	if deletedCount > 0 {
		log.Printf("Cleanup complete: %d entries deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
	return deletedCount, deletedSize
}

func (s *Scheduler) expired(entry os.DirEntry) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) > s.maxAge
}

func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
