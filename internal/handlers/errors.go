package handlers

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/openaimyfriend/app-legendas/internal/queue"
)

// JobService is the job boundary the HTTP layer calls into.
type JobService interface {
	Submit(ctx context.Context, sub queue.Submission) (string, error)
	Status(jobID string) (queue.StatusView, error)
	Download(jobID string) (io.ReadCloser, string, error)
	Jobs() []queue.Job
}

// writeError maps service errors onto the API error body.
func writeError(c *fiber.Ctx, err error, fallback string) error {
	status, body := errorBody(err, fallback)
	if status == fiber.StatusInternalServerError {
		log.Printf("Request %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(body)
}

// errorBody classifies err. Unclassified errors are answered with fallback
// so no internal detail leaks.
func errorBody(err error, fallback string) (int, fiber.Map) {
	status, code, msg := fiber.StatusInternalServerError, "ERR_SAVE_FAILED", fallback

	switch {
	case errors.Is(err, queue.ErrFileTooLarge):
		status, code, msg = fiber.StatusBadRequest, "ERR_FILE_TOO_LARGE", err.Error()
	case errors.Is(err, queue.ErrBadRequest):
		status, code, msg = fiber.StatusBadRequest, "ERR_NO_FILE", err.Error()
	case errors.Is(err, queue.ErrUnsupportedMedia):
		status, code, msg = fiber.StatusUnsupportedMediaType, "ERR_INVALID_FORMAT", "Unsupported audio format"
	case errors.Is(err, queue.ErrNotFound):
		status, code, msg = fiber.StatusNotFound, "ERR_NOT_FOUND", "Job not found"
	case errors.Is(err, queue.ErrNotReady):
		status, code, msg = fiber.StatusNotFound, "ERR_NOT_READY", "Subtitles not ready"
	}

	return status, fiber.Map{
		"error": msg,
		"code":  code,
	}
}
