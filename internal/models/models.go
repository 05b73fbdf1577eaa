package models

import (
	"image"
	"time"
)

// Detection is one object found by the model in a single image or frame
type Detection struct {
	ClassID    int             `json:"class_id"`
	Label      string          `json:"label"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
	// TrackID is assigned by tracking backends; 0 means untracked
	TrackID int `json:"track_id,omitempty"`
}

// Record describes one persisted output for the results ledger
type Record struct {
	RunID      string      `json:"run_id"`
	Mode       string      `json:"mode"`
	Input      string      `json:"input"`
	Output     string      `json:"output"`
	Detections []Detection `json:"detections"`
	CreatedAt  time.Time   `json:"created_at"`
}
