package handlers

import (
	"fmt"
	"log"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/openaimyfriend/app-legendas/internal/queue"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

const driveDownloadURL = "https://drive.google.com/uc?export=download&id="

var (
	driveFilePath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	driveIDParam  = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	driveBareID   = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// GDriveHandler handles Google Drive link processing
type GDriveHandler struct {
	service JobService
	client  *http.Client
	baseURL string
}

// NewGDriveHandler creates a new Google Drive handler
func NewGDriveHandler(service JobService) *GDriveHandler {
	return &GDriveHandler{
		service: service,
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: driveDownloadURL,
	}
}

// GDriveRequest represents the request body
type GDriveRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Handle downloads a shared Drive file and submits it as a job.
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	if strings.TrimSpace(req.URL) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	fileID := extractGDriveFileID(strings.TrimSpace(req.URL))
	if fileID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid Google Drive URL",
			"code":  "ERR_INVALID_URL",
		})
	}

	if req.Name == "" {
		req.Name = "gdrive_file"
	}

	log.Printf("Downloading from Google Drive: %s", fileID)

	httpReq, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, h.baseURL+fileID, nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to download file from Google Drive",
			"code":  "ERR_DOWNLOAD_FAILED",
		})
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		log.Printf("Failed to download from Google Drive: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to download file from Google Drive",
			"code":  "ERR_DOWNLOAD_FAILED",
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "File not accessible (may be private or doesn't exist)",
			"code":  "ERR_FILE_NOT_ACCESSIBLE",
		})
	}

	jobID, err := h.service.Submit(c.UserContext(), queue.Submission{
		Filename:    driveFilename(resp.Header.Get("Content-Disposition"), fileID),
		RequestName: req.Name,
		SourceType:  types.SourceGDrive,
		Body:        resp.Body,
	})
	if err != nil {
		return writeError(c, err, "Failed to save downloaded file")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  jobID,
		"status":  types.StatusQueued,
		"message": "Google Drive file downloaded, processing started",
	})
}

// driveFilename prefers the name Drive reports for the file; without one
// the file is assumed to be mp3.
func driveFilename(disposition, fileID string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%s.mp3", fileID)
}

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	// https://drive.google.com/file/d/{ID}/view
	if matches := driveFilePath.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	// https://drive.google.com/open?id={ID}
	if matches := driveIDParam.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	if matches := driveBareID.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	return ""
}
