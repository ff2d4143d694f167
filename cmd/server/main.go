package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/openaimyfriend/app-legendas/internal/cleanup"
	"github.com/openaimyfriend/app-legendas/internal/config"
	"github.com/openaimyfriend/app-legendas/internal/handlers"
	"github.com/openaimyfriend/app-legendas/internal/queue"
	"github.com/openaimyfriend/app-legendas/internal/storage"
	"github.com/openaimyfriend/app-legendas/internal/transcription"
)

// multipartOverhead is headroom above the upload limit for form framing.
const multipartOverhead = 1 << 20

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	logBuffer := NewLogBuffer(1000)
	log.SetOutput(io.MultiWriter(os.Stdout, logBuffer))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing components...")

	localStorage, err := storage.NewLocalStorage(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	transcriber, err := transcription.NewWhisperTranscriber(transcription.WhisperConfig{
		Python:       cfg.Whisper.Python,
		Model:        cfg.Whisper.Model,
		Language:     cfg.Whisper.Language,
		Device:       cfg.Whisper.Device,
		ComputeType:  cfg.Whisper.ComputeType,
		VADThreshold: cfg.Whisper.VADThreshold,
	})
	if err != nil {
		log.Fatalf("Failed to initialize Whisper: %v", err)
	}
	defer transcriber.Close()

	var opts []queue.ExecutorOption

	// Database (optional artifact index)
	var db *storage.MetadataDB
	if cfg.Storage.Database != "" {
		db, err = storage.NewMetadataDB(cfg.Storage.Database)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
		opts = append(opts, queue.WithRecorder(db))
	}

	// Google Drive client (optional - may fail if credentials not set up)
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err := storage.NewDriveClient(
			context.Background(),
			cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile,
			cfg.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			log.Println("Subtitles will only be saved locally")
		} else {
			log.Println("Google Drive integration enabled")
			opts = append(opts, queue.WithPublisher(driveClient))
		}
	} else {
		log.Println("Google Drive credentials not found - saving locally only")
	}

	registry := queue.NewRegistry()
	executor := queue.NewExecutor(registry, transcriber, localStorage, opts...)
	workerPool := queue.NewWorkerPool(cfg.Workers.MaxConcurrent, executor, registry)
	service := queue.NewService(registry, workerPool, localStorage,
		transcription.FFprobe{Path: cfg.Whisper.FFprobe},
		queue.ServiceConfig{
			MaxUploadBytes: cfg.MaxUploadBytes(),
			AllowedFormats: cfg.Limits.AllowedFormats,
			ProbeTimeout:   cfg.ProbeTimeout(),
		})

	cleanupScheduler := cleanup.NewScheduler(
		cfg.Storage.UploadDir,
		cfg.Storage.OutputDir,
		cfg.CleanupInterval(),
		cfg.CleanupMaxAge(),
		workerPool.IsActive,
	)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	app := fiber.New(fiber.Config{
		BodyLimit: int(cfg.MaxUploadBytes()) + multipartOverhead,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	uploadHandler := handlers.NewUploadHandler(service)
	jobsHandler := handlers.NewJobsHandler(service)
	gdriveHandler := handlers.NewGDriveHandler(service)
	streamHandler := handlers.NewStreamHandler(service, cfg.MaxUploadBytes())

	app.Get("/health", handlers.Health)

	app.Post("/upload", uploadHandler.Handle)
	app.Post("/gdrive", gdriveHandler.Handle)
	app.Get("/status/:id", jobsHandler.Status)
	app.Get("/download/:id", jobsHandler.Download)
	app.Get("/jobs", jobsHandler.List)

	// WebSocket routes
	app.Use("/ws", handlers.UpgradeOnly)
	app.Get("/ws/stream", websocket.New(streamHandler.HandleStream))
	app.Get("/ws/jobs/:id", websocket.New(streamHandler.HandleWatch))

	if db != nil {
		transcriptsHandler := handlers.NewTranscriptsHandler(db)
		app.Get("/transcripts", transcriptsHandler.List)
		app.Get("/transcripts/:id/text", transcriptsHandler.Text)
	}

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	addr := cfg.Addr()
	log.Printf("Server starting on %s", addr)
	log.Println("Endpoints:")
	log.Println("   POST /upload        - Upload audio file")
	log.Println("   POST /gdrive        - Process Google Drive link")
	log.Println("   GET  /status/:id    - Job progress")
	log.Println("   GET  /download/:id  - Download SRT subtitles")
	log.Println("   GET  /jobs          - List jobs")
	log.Println("   GET  /ws/stream     - WebSocket audio streaming")
	log.Println("   GET  /ws/jobs/:id   - WebSocket job progress")
	if db != nil {
		log.Println("   GET  /transcripts   - List finished subtitles")
	}
	log.Println("   GET  /logs          - View server logs")
	log.Println("   GET  /health        - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	drainWorkers(workerPool, 30*time.Second)
}

// drainWorkers gives running jobs a bounded grace period to finish.
func drainWorkers(pool *queue.WorkerPool, grace time.Duration) {
	if pool.Active() == 0 {
		return
	}
	log.Printf("Waiting up to %s for %d running job(s)...", grace, pool.Active())

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("All jobs finished")
	case <-time.After(grace):
		log.Printf("Grace period over, abandoning %d job(s)", pool.Active())
	}
}
