// Package webcam runs the model on a live camera feed until the user quits.
package webcam

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/failure"
	"github.com/bdougie/visiontrack/internal/model"
	"github.com/bdougie/visiontrack/internal/models"
	"github.com/bdougie/visiontrack/internal/storage"
)

const (
	// DeviceIndex is the camera the processor opens
	DeviceIndex = 0
	// OutputName is overwritten with the latest annotated frame
	OutputName = "webcam_frame.jpg"
	// WindowName titles the preview window
	WindowName = "Webcam Feed"
	// QuitKey ends the capture loop when pressed in the preview
	QuitKey = 'q'

	stream = "webcam"
	mode   = "webcam"
)

// Camera is a source of frames. *gocv.VideoCapture satisfies it.
type Camera interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Preview shows frames and reports key presses. *gocv.Window satisfies it.
type Preview interface {
	IMShow(img gocv.Mat) error
	WaitKey(delay int) int
	Close() error
}

var (
	_ Camera  = (*gocv.VideoCapture)(nil)
	_ Preview = (*gocv.Window)(nil)
)

// Inferer is the part of the model the processor needs
type Inferer interface {
	Infer(ctx context.Context, src model.Source, opts model.Options) ([]model.Result, error)
}

// OpenCamera opens the camera at index
type OpenCamera func(index int) (Camera, error)

// OpenPreview creates the preview window
type OpenPreview func(name string) Preview

func openDevice(index int) (Camera, error) {
	capture, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return nil, err
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("camera %d is not available", index)
	}
	return capture, nil
}

func openWindow(name string) Preview {
	return gocv.NewWindow(name)
}

type Processor struct {
	model       Inferer
	opts        model.Options
	storage     storage.Storage
	runID       string
	logger      *slog.Logger
	openCamera  OpenCamera
	openPreview OpenPreview
}

// Option customizes a Processor
type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithStorage records every persisted frame under runID
func WithStorage(s storage.Storage, runID string) Option {
	return func(p *Processor) {
		p.storage = s
		p.runID = runID
	}
}

func WithOptions(opts model.Options) Option {
	return func(p *Processor) { p.opts = opts }
}

func WithCamera(open OpenCamera) Option {
	return func(p *Processor) { p.openCamera = open }
}

func WithPreview(open OpenPreview) Option {
	return func(p *Processor) { p.openPreview = open }
}

func NewProcessor(m Inferer, opts ...Option) *Processor {
	p := &Processor{
		model:       m,
		opts:        model.DefaultOptions(),
		storage:     storage.Discard,
		logger:      slog.Default(),
		openCamera:  openDevice,
		openPreview: openWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process captures frames until the quit key is pressed or ctx is done, writing
// each annotated frame to outputDir/webcam_frame.jpg. A camera that cannot be
// opened is a device error; a failed read is a frame read error. Both leave the
// camera and preview released.
func (p *Processor) Process(ctx context.Context, outputDir string) error {
	camera, err := p.openCamera(DeviceIndex)
	if err != nil {
		return failure.New(failure.KindDevice, fmt.Sprintf("open camera %d", DeviceIndex), err)
	}
	defer func() {
		if err := camera.Close(); err != nil {
			p.logger.Warn("failed to release camera", "error", err)
		}
	}()

	preview := p.openPreview(WindowName)
	defer func() {
		if err := preview.Close(); err != nil {
			p.logger.Warn("failed to close preview", "error", err)
		}
	}()

	frame := gocv.NewMat()
	defer frame.Close()

	outputPath := filepath.Join(outputDir, OutputName)
	p.logger.Info("webcam capture started", "device", DeviceIndex, "output", outputPath)

	frames := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("webcam capture cancelled", "frames", frames)
			return nil
		}

		if ok := camera.Read(&frame); !ok || frame.Empty() {
			return failure.Errorf(failure.KindFrameRead, "read frame", "no frame after %d frames", frames)
		}
		frames++

		if err := p.processFrame(ctx, frame, outputPath); err != nil {
			return err
		}

		if err := preview.IMShow(frame); err != nil {
			p.logger.Warn("failed to show frame", "frame", frames, "error", err)
		}
		if preview.WaitKey(1)&0xFF == QuitKey {
			p.logger.Info("webcam capture stopped", "frames", frames)
			return nil
		}
	}
}

func (p *Processor) processFrame(ctx context.Context, frame gocv.Mat, outputPath string) error {
	results, err := p.model.Infer(ctx, model.FromFrame(stream, frame), p.opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range results {
			if cerr := r.Close(); cerr != nil {
				p.logger.Warn("failed to release result", "error", cerr)
			}
		}
	}()

	for _, r := range results {
		if err := r.Persist(ctx, outputPath); err != nil {
			return err
		}
		err := p.storage.AddResult(ctx, models.Record{
			RunID:      p.runID,
			Mode:       mode,
			Input:      fmt.Sprintf("camera:%d", DeviceIndex),
			Output:     outputPath,
			Detections: r.Detections(),
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return failure.New(failure.KindWrite, "record "+outputPath, err)
		}
		p.logger.Debug("frame persisted", "output", outputPath, "detections", len(r.Detections()))
	}
	return nil
}
