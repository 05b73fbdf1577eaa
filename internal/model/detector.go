package model

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/models"
)

// Detector runs the underlying network on one frame
type Detector interface {
	Detect(ctx context.Context, frame gocv.Mat, stream string, opts Options) ([]models.Detection, error)
	Close() error
}

var boxColor = color.RGBA{0, 255, 0, 0}

// annotate draws every detection onto img
func annotate(img *gocv.Mat, detections []models.Detection) {
	for _, d := range detections {
		gocv.Rectangle(img, d.Box, boxColor, 2)

		origin := image.Pt(d.Box.Min.X, d.Box.Min.Y-5)
		if origin.Y < 12 {
			origin.Y = d.Box.Min.Y + 12
		}
		gocv.PutText(img, caption(d), origin, gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}
}

func caption(d models.Detection) string {
	if d.TrackID > 0 {
		return fmt.Sprintf("id:%d %s %.2f", d.TrackID, d.Label, d.Confidence)
	}
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

func labelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) && labels[classID] != "" {
		return labels[classID]
	}
	return fmt.Sprintf("class %d", classID)
}
