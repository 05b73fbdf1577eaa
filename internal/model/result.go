package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/failure"
	"github.com/bdougie/visiontrack/internal/models"
)

const videoCodec = "mp4v"

// Result is the output of one Infer call. Persist writes it to path; Close
// releases the native resources it holds.
type Result interface {
	Persist(ctx context.Context, path string) error
	Detections() []models.Detection
	Close() error
}

// checkOutputDir fails when the folder that would hold path is missing.
// Output folders are never created here.
func checkOutputDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return failure.New(failure.KindWrite, "persist "+path, err)
	}
	if !info.IsDir() {
		return failure.Errorf(failure.KindWrite, "persist "+path, "'%s' is not a directory", dir)
	}
	return nil
}

// imageResult is an annotated still image or camera frame
type imageResult struct {
	img        gocv.Mat
	detections []models.Detection
}

func (r *imageResult) Persist(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkOutputDir(path); err != nil {
		return err
	}
	if ok := gocv.IMWrite(path, r.img); !ok {
		return failure.Errorf(failure.KindWrite, "persist "+path, "image encoder rejected the output")
	}
	return nil
}

func (r *imageResult) Detections() []models.Detection {
	return r.detections
}

func (r *imageResult) Close() error {
	return r.img.Close()
}

// videoResult streams a video file through the detector when persisted, so
// frames are never all held in memory. It can be persisted once.
type videoResult struct {
	capture  *gocv.VideoCapture
	detector Detector
	stream   string
	opts     Options

	fps           float64
	width, height int

	consumed   bool
	frames     int
	detections []models.Detection
}

// Persist runs the detector on every remaining frame, so ctx bounds the whole
// decode and encode pass.
func (r *videoResult) Persist(ctx context.Context, path string) error {
	op := "persist " + path
	if r.consumed {
		return failure.Errorf(failure.KindWrite, op, "video '%s' was already persisted", r.stream)
	}
	r.consumed = true

	if err := checkOutputDir(path); err != nil {
		return err
	}

	writer, err := gocv.VideoWriterFile(path, videoCodec, r.fps, r.width, r.height, true)
	if err != nil {
		return failure.New(failure.KindWrite, op, err)
	}
	defer writer.Close()
	if !writer.IsOpened() {
		return failure.Errorf(failure.KindWrite, op, "video writer could not open output")
	}

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok := r.capture.Read(&frame); !ok || frame.Empty() {
			break
		}

		detections, err := r.detector.Detect(ctx, frame, r.stream, r.opts)
		if err != nil {
			return failure.New(failure.KindInference, fmt.Sprintf("infer %s frame %d", r.stream, r.frames), err)
		}
		annotate(&frame, detections)

		if err := writer.Write(frame); err != nil {
			return failure.New(failure.KindWrite, op, err)
		}
		r.frames++
		r.detections = append(r.detections, detections...)
	}

	if r.frames == 0 {
		return failure.Errorf(failure.KindInference, "infer "+r.stream, "no decodable frames")
	}
	return nil
}

func (r *videoResult) Detections() []models.Detection {
	return r.detections
}

// Frames is the number of frames written by Persist
func (r *videoResult) Frames() int {
	return r.frames
}

func (r *videoResult) Close() error {
	return r.capture.Close()
}
