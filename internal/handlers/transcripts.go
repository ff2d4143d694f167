package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"github.com/openaimyfriend/app-legendas/internal/storage"
)

// ArtifactIndex lists subtitles recorded by finished jobs.
type ArtifactIndex interface {
	ListArtifacts(ctx context.Context, limit int) ([]storage.ArtifactRecord, error)
	GetArtifact(ctx context.Context, jobID string) (storage.ArtifactRecord, error)
}

// TranscriptsHandler serves the artifact index
type TranscriptsHandler struct {
	index ArtifactIndex
}

// NewTranscriptsHandler creates a new transcripts handler
func NewTranscriptsHandler(index ArtifactIndex) *TranscriptsHandler {
	return &TranscriptsHandler{index: index}
}

// List returns the most recent indexed subtitles.
func (h *TranscriptsHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.index.ListArtifacts(c.UserContext(), limit)
	if err != nil {
		log.Printf("Failed to list transcripts: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list transcripts",
			"code":  "ERR_DATABASE",
		})
	}
	return c.JSON(records)
}

// Text returns the SRT body of an indexed subtitle.
func (h *TranscriptsHandler) Text(c *fiber.Ctx) error {
	rec, err := h.index.GetArtifact(c.UserContext(), c.Params("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Transcript not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		log.Printf("Failed to read transcript metadata: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read transcript",
			"code":  "ERR_DATABASE",
		})
	}

	content, err := os.ReadFile(rec.ArtifactPath)
	if err != nil {
		log.Printf("Failed to read transcript file for job %s: %v", rec.JobID, err)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Transcript file not found",
			"code":  "ERR_NOT_FOUND",
		})
	}

	c.Set(fiber.HeaderContentType, SubripContentType)
	return c.Send(content)
}
