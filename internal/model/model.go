// Package model wraps the pretrained detection and tracking model. The model is
// a black box: a Model is loaded once from an artifact path and then asked to
// Infer on files or frames, returning Results that can persist themselves.
//
// ONNX artifacts run in-process through the OpenCV DNN module. Any other
// artifact is handed to an external worker process that speaks the length
// prefixed msgpack protocol described in worker.go.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/failure"
)

// Model is a loaded detection model. It is safe to reuse for sequential calls.
type Model struct {
	path     string
	detector Detector
	logger   *slog.Logger
}

// Load brings up the model at path. Errors are config failures.
func Load(path string, opts LoadOptions) (*Model, error) {
	op := "load model " + path
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, failure.New(failure.KindConfig, op, err)
	}
	if info.IsDir() {
		return nil, failure.Errorf(failure.KindConfig, op, "'%s' is a directory", path)
	}

	var labels []string
	if opts.Labels != "" {
		labels, err = LoadLabels(opts.Labels)
		if err != nil {
			return nil, failure.New(failure.KindConfig, op, err)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	var detector Detector
	switch {
	case ext == ".onnx":
		detector, err = newDNNDetector(path, labels)
	case len(opts.Worker) > 0:
		detector, err = startWorker(opts.Worker, path, labels, logger)
	default:
		return nil, failure.Errorf(failure.KindConfig, op,
			"no in-process backend for %q artifacts; set MODEL_WORKER to an external model worker", ext)
	}
	if err != nil {
		return nil, failure.New(failure.KindConfig, op, err)
	}

	logger.Info("model loaded", "path", path, "labels", len(labels))
	return newModel(path, detector, logger), nil
}

func newModel(path string, detector Detector, logger *slog.Logger) *Model {
	return &Model{path: path, detector: detector, logger: logger}
}

// Path returns the artifact the model was loaded from
func (m *Model) Path() string {
	return m.path
}

// Infer runs the model on src. Image files and frames give one annotated
// result; a video file gives one result that runs the model frame by frame
// while it is persisted. Callers must Close every result.
func (m *Model) Infer(ctx context.Context, src Source, opts Options) ([]Result, error) {
	m.logger.Debug("infer", "source", src.String(), "imgsz", opts.ImgSize, "conf", opts.Confidence)

	if src.IsFrame() {
		return m.inferFrame(ctx, src, opts)
	}

	switch ClassifyPath(src.Path) {
	case MediaImage:
		return m.inferImage(ctx, src, opts)
	case MediaVideo:
		return m.inferVideo(ctx, src, opts)
	}
	return nil, failure.Errorf(failure.KindInference, "infer "+src.Path,
		"unsupported media type %q", filepath.Ext(src.Path))
}

func (m *Model) inferFrame(ctx context.Context, src Source, opts Options) ([]Result, error) {
	img := src.frame.Clone()
	return m.detectImage(ctx, img, src, opts)
}

func (m *Model) inferImage(ctx context.Context, src Source, opts Options) ([]Result, error) {
	img := gocv.IMRead(src.Path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return nil, failure.Errorf(failure.KindInference, "infer "+src.Path, "cannot decode image")
	}
	return m.detectImage(ctx, img, src, opts)
}

// detectImage takes ownership of img
func (m *Model) detectImage(ctx context.Context, img gocv.Mat, src Source, opts Options) ([]Result, error) {
	detections, err := m.detector.Detect(ctx, img, src.Stream, opts)
	if err != nil {
		img.Close()
		return nil, failure.New(failure.KindInference, "infer "+src.String(), err)
	}
	annotate(&img, detections)
	return []Result{&imageResult{img: img, detections: detections}}, nil
}

func (m *Model) inferVideo(ctx context.Context, src Source, opts Options) ([]Result, error) {
	op := "infer " + src.Path

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(src.Path); err != nil {
		return nil, failure.New(failure.KindInference, op, err)
	}

	capture, err := gocv.VideoCaptureFile(src.Path)
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return nil, failure.New(failure.KindInference, op, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, failure.Errorf(failure.KindInference, op, "cannot open video")
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 30
	}
	width := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	if width <= 0 || height <= 0 {
		capture.Close()
		return nil, failure.Errorf(failure.KindInference, op, "invalid frame size %dx%d", width, height)
	}

	return []Result{&videoResult{
		capture:  capture,
		detector: m.detector,
		stream:   src.Stream,
		opts:     opts,
		fps:      fps,
		width:    width,
		height:   height,
	}}, nil
}

// Close shuts the backend down
func (m *Model) Close() error {
	if err := m.detector.Close(); err != nil {
		return fmt.Errorf("failed to close model '%s': %w", m.path, err)
	}
	return nil
}
