package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// SubripContentType is sent with downloaded subtitles.
const SubripContentType = "application/x-subrip"

// JobsHandler serves job status and results
type JobsHandler struct {
	service JobService
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(service JobService) *JobsHandler {
	return &JobsHandler{service: service}
}

// Status returns the poll view of one job.
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	view, err := h.service.Status(c.Params("id"))
	if err != nil {
		return writeError(c, err, "Failed to read job")
	}
	return c.JSON(view)
}

// Download streams the finished SRT file.
func (h *JobsHandler) Download(c *fiber.Ctx) error {
	rc, name, err := h.service.Download(c.Params("id"))
	if err != nil {
		return writeError(c, err, "Failed to read subtitles")
	}

	c.Attachment(name)
	c.Set(fiber.HeaderContentType, SubripContentType)
	// fasthttp closes rc once the body is sent
	return c.SendStream(rc)
}

// List returns every job tracked by this process, newest first.
func (h *JobsHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"jobs": h.service.Jobs(),
	})
}

// Health reports process liveness only.
func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": "1.0.0",
	})
}
