package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/openaimyfriend/app-legendas/internal/queue"
	"github.com/openaimyfriend/app-legendas/internal/types"
)

var errClientGone = errors.New("client disconnected")

// jsonWriter is the part of a websocket connection the push loop needs.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// StreamHandler handles WebSocket audio streaming and job progress push
type StreamHandler struct {
	service  JobService
	maxBytes int64
	interval time.Duration
}

// NewStreamHandler creates a new stream handler. maxBytes caps the audio
// buffered from one stream; 0 disables the cap.
func NewStreamHandler(service JobService, maxBytes int64) *StreamHandler {
	return &StreamHandler{
		service:  service,
		maxBytes: maxBytes,
		interval: 500 * time.Millisecond,
	}
}

// UpgradeOnly rejects plain HTTP requests on websocket routes.
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleStream records binary audio frames until the client sends END,
// submits the recording, then pushes its progress until it finishes.
// A text frame other than END sets the request name.
func (h *StreamHandler) HandleStream(c *websocket.Conn) {
	defer c.Close()

	var (
		buffer      bytes.Buffer
		requestName string
	)

	log.Printf("WebSocket stream opened from %s", c.RemoteAddr())

	for {
		messageType, message, err := c.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			return
		}

		if messageType == websocket.TextMessage {
			msgStr := string(message)
			if msgStr == "END" {
				break
			}
			if len(msgStr) > 0 && len(msgStr) < 200 {
				requestName = msgStr
				log.Printf("Stream name set to: %s", requestName)
			}
			continue
		}

		if messageType == websocket.BinaryMessage {
			buffer.Write(message)
			if h.maxBytes > 0 && int64(buffer.Len()) > h.maxBytes {
				c.WriteJSON(fiber.Map{"error": "Stream too large", "code": "ERR_FILE_TOO_LARGE"})
				return
			}
		}
	}

	if buffer.Len() == 0 {
		c.WriteJSON(fiber.Map{"error": "No audio received", "code": "ERR_NO_FILE"})
		return
	}
	if requestName == "" {
		requestName = "stream_recording"
	}

	log.Printf("Stream received (%d bytes), submitting", buffer.Len())

	jobID, err := h.service.Submit(context.Background(), queue.Submission{
		Filename:    fmt.Sprintf("stream_%d.webm", time.Now().Unix()),
		RequestName: requestName,
		SourceType:  types.SourceStream,
		Body:        &buffer,
	})
	if err != nil {
		log.Printf("Stream submission failed: %v", err)
		_, body := errorBody(err, "Failed to save stream")
		c.WriteJSON(body)
		return
	}

	if err := h.watch(c, jobID, readUntilClosed(c)); err != nil {
		log.Printf("WebSocket push for job %s ended: %v", jobID, err)
	}
}

// HandleWatch pushes a job's status whenever it changes, until the job
// reaches a terminal state or the client goes away.
func (h *StreamHandler) HandleWatch(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Params("id")
	if err := h.watch(c, jobID, readUntilClosed(c)); err != nil {
		log.Printf("WebSocket push for job %s ended: %v", jobID, err)
	}
}

// readUntilClosed discards client frames and closes the returned channel
// once the connection fails, which is how a disconnect is noticed.
func readUntilClosed(c *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

// watch pushes status changes of jobID to w until the job is terminal or
// gone is closed.
func (h *StreamHandler) watch(w jsonWriter, jobID string, gone <-chan struct{}) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		last queue.StatusView
		sent bool
	)
	for {
		view, err := h.service.Status(jobID)
		if err != nil {
			return w.WriteJSON(fiber.Map{"error": "Job not found", "code": "ERR_NOT_FOUND"})
		}

		if !sent || view != last {
			if err := w.WriteJSON(view); err != nil {
				return err
			}
			last, sent = view, true
		}
		if view.Status.Terminal() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-gone:
			return errClientGone
		}
	}
}
