package model

import (
	"log/slog"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

const (
	// DefaultImgSize is the square input resolution the network resizes to
	DefaultImgSize = 640
	// DefaultConfidence drops detections scored below it
	DefaultConfidence = 0.3
)

// Options control a single Infer call
type Options struct {
	ImgSize    int
	Confidence float32
	// Persist asks tracking backends to keep tracker state between calls on the same stream
	Persist bool
}

// DefaultOptions returns the fixed inference settings used by every mode
func DefaultOptions() Options {
	return Options{
		ImgSize:    DefaultImgSize,
		Confidence: DefaultConfidence,
		Persist:    true,
	}
}

// LoadOptions configure how Load brings up a model
type LoadOptions struct {
	// Worker is the external worker command used for artifacts with no in-process backend
	Worker []string
	// Labels is an optional data.yaml holding class names
	Labels string
	Logger *slog.Logger
}

// Source is the input of one Infer call: a file path or an in-memory frame
type Source struct {
	Path string
	// Stream names the tracker context the source belongs to
	Stream string

	frame *gocv.Mat
}

// FromPath builds a Source for an image or video file
func FromPath(path string) Source {
	return Source{Path: path, Stream: path}
}

// FromFrame builds a Source for a captured frame. The frame is not modified.
func FromFrame(stream string, frame gocv.Mat) Source {
	return Source{Stream: stream, frame: &frame}
}

// IsFrame reports whether the source is an in-memory frame
func (s Source) IsFrame() bool {
	return s.frame != nil
}

func (s Source) String() string {
	if s.IsFrame() {
		return "frame:" + s.Stream
	}
	return s.Path
}

// Media is the kind of file a path points at
type Media int

const (
	MediaUnknown Media = iota
	MediaImage
	MediaVideo
)

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}
)

// ClassifyPath decides by extension whether path is an image or a video
func ClassifyPath(path string) Media {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return MediaImage
	case videoExts[ext]:
		return MediaVideo
	}
	return MediaUnknown
}
