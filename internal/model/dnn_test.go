package model

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeYOLO(t *testing.T) {
	t.Parallel()

	// two classes, three anchors; one column per anchor
	data := []float32{
		100, 0, 320, // cx
		100, 0, 320, // cy
		20, 0, 64, // w
		40, 0, 64, // h
		0.9, 0.2, 0.1, // class 0
		0.1, 0.25, 0.6, // class 1
	}

	got, err := decodeYOLO(data, 6, 3, 0.3, 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 0, got[0].classID)
	assert.InDelta(t, 0.9, got[0].score, 1e-6)
	assert.Equal(t, image.Rect(180, 160, 220, 240), got[0].box)

	assert.Equal(t, 1, got[1].classID)
	assert.InDelta(t, 0.6, got[1].score, 1e-6)
	assert.Equal(t, image.Rect(576, 576, 704, 704), got[1].box)
}

func TestDecodeYOLO_ThresholdFiltersEverything(t *testing.T) {
	t.Parallel()

	data := []float32{10, 10, 4, 4, 0.29}
	got, err := decodeYOLO(data, 5, 1, 0.3, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeYOLO_BadShape(t *testing.T) {
	t.Parallel()

	_, err := decodeYOLO(make([]float32, 8), 4, 2, 0.3, 1, 1)
	assert.Error(t, err, "fewer than one class row")

	_, err = decodeYOLO(make([]float32, 9), 5, 2, 0.3, 1, 1)
	assert.Error(t, err, "short tensor")
}
