package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/openaimyfriend/app-legendas/internal/queue"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

// UploadHandler handles file uploads
type UploadHandler struct {
	service JobService
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(service JobService) *UploadHandler {
	return &UploadHandler{
		service: service,
	}
}

// Handle processes the upload request
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	body, err := file.Open()
	if err != nil {
		log.Printf("Failed to open uploaded file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	defer body.Close()

	jobID, err := h.service.Submit(c.UserContext(), queue.Submission{
		Filename:    file.Filename,
		RequestName: c.FormValue("name"),
		SourceType:  types.SourceUpload,
		Body:        body,
	})
	if err != nil {
		return writeError(c, err, "Failed to save file")
	}

	// Return job ID immediately
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  jobID,
		"status":  types.StatusQueued,
		"message": "File uploaded successfully, processing started",
	})
}
