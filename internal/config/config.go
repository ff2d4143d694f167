package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WhisperConfig selects the faster-whisper model profile.
type WhisperConfig struct {
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
	// VADThreshold > 0 enables silence filtering with that threshold.
	VADThreshold float64 `yaml:"vad_threshold"`
	Python       string  `yaml:"python"`
	FFprobe      string  `yaml:"ffprobe"`
}

type WorkersConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`
	// Database is the sqlite artifact index; empty disables it.
	Database string `yaml:"database"`
}

type CleanupConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	MaxAgeHours     int `yaml:"max_age_hours"`
}

type GoogleDriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	FolderName      string `yaml:"folder_name"`
}

type LimitsConfig struct {
	MaxFileSizeMB  int      `yaml:"max_file_size_mb"`
	AllowedFormats []string `yaml:"allowed_formats"`
	ProbeTimeoutS  int      `yaml:"probe_timeout_seconds"`
}

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Whisper     WhisperConfig     `yaml:"whisper"`
	Workers     WorkersConfig     `yaml:"workers"`
	Storage     StorageConfig     `yaml:"storage"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	GoogleDrive GoogleDriveConfig `yaml:"google_drive"`
	Limits      LimitsConfig      `yaml:"limits"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		Whisper: WhisperConfig{
			Model:       "tiny",
			Language:    "en",
			Device:      "cpu",
			ComputeType: "int8",
			Python:      "python3",
			FFprobe:     "ffprobe",
		},
		Workers: WorkersConfig{MaxConcurrent: 4},
		Storage: StorageConfig{
			UploadDir: "uploads",
			OutputDir: "outputs",
			Database:  "subtitles.db",
		},
		Cleanup: CleanupConfig{IntervalMinutes: 30, MaxAgeHours: 24},
		GoogleDrive: GoogleDriveConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
			FolderName:      "Subtitles",
		},
		Limits: LimitsConfig{MaxFileSizeMB: 100, ProbeTimeoutS: 30},
	}
}

// Load reads the YAML file at path on top of Default. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.fillZeroes()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillZeroes restores defaults for keys present but left empty.
func (c *Config) fillZeroes() {
	d := Default()
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Whisper.Model == "" {
		c.Whisper.Model = d.Whisper.Model
	}
	if c.Whisper.Python == "" {
		c.Whisper.Python = d.Whisper.Python
	}
	if c.Whisper.FFprobe == "" {
		c.Whisper.FFprobe = d.Whisper.FFprobe
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = d.Storage.UploadDir
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = d.Storage.OutputDir
	}
	if c.Cleanup.IntervalMinutes <= 0 {
		c.Cleanup.IntervalMinutes = d.Cleanup.IntervalMinutes
	}
	if c.Cleanup.MaxAgeHours <= 0 {
		c.Cleanup.MaxAgeHours = d.Cleanup.MaxAgeHours
	}
	if c.Limits.MaxFileSizeMB <= 0 {
		c.Limits.MaxFileSizeMB = d.Limits.MaxFileSizeMB
	}
	if c.Limits.ProbeTimeoutS <= 0 {
		c.Limits.ProbeTimeoutS = d.Limits.ProbeTimeoutS
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Whisper.VADThreshold < 0 || c.Whisper.VADThreshold >= 1 {
		return fmt.Errorf("whisper.vad_threshold must be in [0, 1), got %v", c.Whisper.VADThreshold)
	}
	if c.Storage.UploadDir == c.Storage.OutputDir {
		return fmt.Errorf("storage.upload_dir and storage.output_dir must differ")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxUploadBytes is the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Limits.MaxFileSizeMB) * 1024 * 1024
}

// ProbeTimeout bounds the duration probe run at submission.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Limits.ProbeTimeoutS) * time.Second
}

// CleanupInterval is the period of the stale upload sweep.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// CleanupMaxAge is how old a leftover upload must be before it is swept.
func (c *Config) CleanupMaxAge() time.Duration {
	return time.Duration(c.Cleanup.MaxAgeHours) * time.Hour
}
