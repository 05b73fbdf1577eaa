package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"MODEL_PATH", "MODEL_WORKER", "MODEL_LABELS",
	"IMAGE_FOLDER", "VIDEO_FOLDER",
	"IMAGE_OUTPUT_FOLDER", "VIDEO_OUTPUT_FOLDER", "WEBCAM_OUTPUT_FOLDER",
	"LOG_LEVEL", "RESULTS_LEDGER", "DATABASE_URL",
}

// clearEnv blanks every variable Load reads. t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "./models/best.pt", cfg.Model.Path)
	assert.Empty(t, cfg.Model.Worker)
	assert.Empty(t, cfg.Model.Labels)
	assert.Equal(t, FolderConfig{
		Images:       "./data/image_tests",
		Videos:       "./data/video_tests",
		ImageOutput:  "./data/image_tests_results",
		VideoOutput:  "./data/video_test_results",
		WebcamOutput: "./data/webcam_frames",
	}, cfg.Folders)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.LedgerPath)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFrom_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_PATH", "/opt/models/yolo.onnx")
	t.Setenv("MODEL_WORKER", "python3  tools/track_worker.py")
	t.Setenv("IMAGE_FOLDER", "/in/images")
	t.Setenv("WEBCAM_OUTPUT_FOLDER", "/out/cam")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, "/opt/models/yolo.onnx", cfg.Model.Path)
	assert.Equal(t, []string{"python3", "tools/track_worker.py"}, cfg.Model.Worker)
	assert.Equal(t, "/in/images", cfg.Folders.Images)
	assert.Equal(t, "/out/cam", cfg.Folders.WebcamOutput)
	assert.Equal(t, "./data/video_tests", cfg.Folders.Videos)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadFrom_EnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("VIDEO_FOLDER", "/from/env")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "MODEL_PATH=./models/custom.onnx\n" +
		"VIDEO_FOLDER=/from/file\n" +
		"RESULTS_LEDGER=./data/ledger.json\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))

	cfg, err := LoadFrom(envFile)
	require.NoError(t, err)

	assert.Equal(t, "./models/custom.onnx", cfg.Model.Path)
	assert.Equal(t, "/from/env", cfg.Folders.Videos, "environment wins over env file")
	assert.Equal(t, "./data/ledger.json", cfg.LedgerPath)
	assert.Empty(t, os.Getenv("MODEL_PATH"), "env file must not leak into the process environment")
}

func TestLoadFrom_InvalidLogLevelFallsBackToInfo(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "chatty")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}
