package model

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/models"
)

const nmsThreshold = 0.45

// dnnDetector runs an exported YOLO ONNX graph through the OpenCV DNN module.
// It does not track, so every detection has TrackID 0.
type dnnDetector struct {
	net    gocv.Net
	labels []string
}

func newDNNDetector(path string, labels []string) (*dnnDetector, error) {
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("failed to read network from '%s'", path)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &dnnDetector{net: net, labels: labels}, nil
}

func (d *dnnDetector) Detect(ctx context.Context, frame gocv.Mat, _ string, opts Options) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	size := image.Pt(opts.ImgSize, opts.ImgSize)
	blob := gocv.BlobFromImage(frame, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output tensor: %w", err)
	}

	scaleX := float32(frame.Cols()) / float32(opts.ImgSize)
	scaleY := float32(frame.Rows()) / float32(opts.ImgSize)

	candidates, err := decodeYOLO(data, dims[1], dims[2], opts.Confidence, scaleX, scaleY)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	boxes := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.box
		scores[i] = c.score
	}

	keep := gocv.NMSBoxes(boxes, scores, opts.Confidence, nmsThreshold)

	detections := make([]models.Detection, 0, len(keep))
	for _, idx := range keep {
		c := candidates[idx]
		detections = append(detections, models.Detection{
			ClassID:    c.classID,
			Label:      labelFor(d.labels, c.classID),
			Confidence: c.score,
			Box:        c.box,
		})
	}
	return detections, nil
}

func (d *dnnDetector) Close() error {
	return d.net.Close()
}

type candidate struct {
	box     image.Rectangle
	score   float32
	classID int
}

// decodeYOLO reads a [4+classes, anchors] row-major tensor where each column is
// cx, cy, w, h followed by per-class scores, all in network input pixels.
func decodeYOLO(data []float32, rows, anchors int, threshold, scaleX, scaleY float32) ([]candidate, error) {
	if rows < 5 || anchors <= 0 {
		return nil, fmt.Errorf("invalid tensor shape [%d, %d]", rows, anchors)
	}
	if len(data) < rows*anchors {
		return nil, fmt.Errorf("tensor holds %d values, want %d", len(data), rows*anchors)
	}

	classes := rows - 4
	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := data[(4+c)*anchors+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < threshold {
			continue
		}

		cx, cy := data[i], data[anchors+i]
		w, h := data[2*anchors+i], data[3*anchors+i]
		out = append(out, candidate{
			box: image.Rect(
				int((cx-w/2)*scaleX), int((cy-h/2)*scaleY),
				int((cx+w/2)*scaleX), int((cy+h/2)*scaleY),
			),
			score:   bestScore,
			classID: best,
		})
	}
	return out, nil
}
