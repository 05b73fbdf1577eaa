package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Config holds every path and switch the program resolves at startup.
// It is not modified after Load returns.
type Config struct {
	Model   ModelConfig
	Folders FolderConfig

	LogLevel slog.Level

	// LedgerPath enables the JSON results ledger when set.
	LedgerPath string
	// DatabaseURL enables the Postgres results ledger when set.
	DatabaseURL string
}

// ModelConfig describes the model artifact and how to run it.
type ModelConfig struct {
	Path   string
	Worker []string // external worker command, empty for in-process models
	Labels string   // optional data.yaml with class names
}

// FolderConfig holds the input and output folders of each mode.
type FolderConfig struct {
	Images       string
	Videos       string
	ImageOutput  string
	VideoOutput  string
	WebcamOutput string
}

// Load resolves the configuration from the environment and DefaultEnvFile.
func Load() (*Config, error) {
	return LoadFrom(DefaultEnvFile)
}

// LoadFrom resolves the configuration from the environment, falling back to the
// values in envFile and then to the built-in defaults. A missing envFile is not
// an error. Variables already present in the environment win over the file.
func LoadFrom(envFile string) (*Config, error) {
	fileEnv := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileEnv = values
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read env file '%s': %w", envFile, err)
		}
	}

	get := func(key, defaultValue string) string {
		return getEnvOrDefault(fileEnv, key, defaultValue)
	}

	cfg := &Config{
		Model: ModelConfig{
			Path:   get("MODEL_PATH", "./models/best.pt"),
			Worker: strings.Fields(get("MODEL_WORKER", "")),
			Labels: get("MODEL_LABELS", ""),
		},
		Folders: FolderConfig{
			Images:       get("IMAGE_FOLDER", "./data/image_tests"),
			Videos:       get("VIDEO_FOLDER", "./data/video_tests"),
			ImageOutput:  get("IMAGE_OUTPUT_FOLDER", "./data/image_tests_results"),
			VideoOutput:  get("VIDEO_OUTPUT_FOLDER", "./data/video_test_results"),
			WebcamOutput: get("WEBCAM_OUTPUT_FOLDER", "./data/webcam_frames"),
		},
		LedgerPath:  get("RESULTS_LEDGER", ""),
		DatabaseURL: get("DATABASE_URL", ""),
	}

	level := get("LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("ignoring invalid LOG_LEVEL, using info", "value", level, "error", err)
		cfg.LogLevel = slog.LevelInfo
	}

	return cfg, nil
}

// getEnvOrDefault returns the environment value of key, then the env file value,
// then defaultValue.
func getEnvOrDefault(fileEnv map[string]string, key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := fileEnv[key]; value != "" {
		return value
	}
	return defaultValue
}
