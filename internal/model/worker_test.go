package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/failure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker answers requests on the other end of a pair of pipes
type fakeWorker struct {
	requests []workerRequest
}

func (f *fakeWorker) serve(r io.Reader, w io.Writer) {
	for {
		var req workerRequest
		if err := readMessage(r, &req); err != nil {
			return
		}
		f.requests = append(f.requests, req)

		resp := workerResponse{
			ID: req.ID,
			Detections: []workerDetection{
				{ClassID: 0, Confidence: 0.8, Box: [4]float32{1, 2, 30, 40}, TrackID: 7},
			},
		}
		if req.Stream == "broken-input" {
			resp = workerResponse{ID: req.ID, Error: "cannot decode image"}
		}
		if err := writeMessage(w, resp); err != nil {
			return
		}
	}
}

func newPipedWorker(t *testing.T) (*workerDetector, *fakeWorker) {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() {
		reqR.Close()
		respW.Close()
	})

	fake := &fakeWorker{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fake.serve(reqR, respW)
	}()
	t.Cleanup(func() {
		reqW.Close()
		<-done
	})

	return newWorkerConn(reqW, respR, []string{"person"}, discardLogger()), fake
}

func TestMessageFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, workerHello{Ready: true, Model: "best.pt"}))

	size := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, buf.Len()-4, int(size))

	var hello workerHello
	require.NoError(t, readMessage(&buf, &hello))
	assert.True(t, hello.Ready)
	assert.Equal(t, "best.pt", hello.Model)
}

func TestReadMessage_RejectsOversize(t *testing.T) {
	t.Parallel()

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, maxMessageSize+1)

	var v workerResponse
	err := readMessage(bytes.NewReader(prefix), &v)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestWorkerRoundTrip(t *testing.T) {
	t.Parallel()

	w, fake := newPipedWorker(t)
	ctx := context.Background()

	resp, err := w.roundTrip(ctx, workerRequest{Stream: "cam", Image: []byte{1, 2, 3}, ImgSize: 640, Conf: 0.3, Persist: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.ID)
	require.Len(t, resp.Detections, 1)

	_, err = w.roundTrip(ctx, workerRequest{Stream: "broken-input"})
	assert.ErrorContains(t, err, "cannot decode image")

	// a worker-reported error leaves the connection usable
	resp, err = w.roundTrip(ctx, workerRequest{Stream: "cam"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.ID)

	require.Len(t, fake.requests, 3)
	assert.Equal(t, 640, fake.requests[0].ImgSize)
	assert.True(t, fake.requests[0].Persist)
	assert.Equal(t, []byte{1, 2, 3}, fake.requests[0].Image)
}

func TestWorkerRoundTrip_CancelledContextBreaksConnection(t *testing.T) {
	t.Parallel()

	reqR, reqW := io.Pipe()
	respR, _ := io.Pipe()
	// nobody reads requests, so the write blocks until the pipe is closed
	t.Cleanup(func() { reqR.Close() })

	w := newWorkerConn(reqW, respR, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.roundTrip(ctx, workerRequest{Stream: "cam"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = w.roundTrip(context.Background(), workerRequest{Stream: "cam"})
	assert.ErrorContains(t, err, "unusable")
}

func TestWorkerDetect_ConvertsDetections(t *testing.T) {
	t.Parallel()

	w, fake := newPipedWorker(t)

	frame := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	defer frame.Close()

	detections, err := w.Detect(context.Background(), frame, "webcam", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, detections, 1)

	d := detections[0]
	assert.Equal(t, "person", d.Label, "label filled from the labels file")
	assert.Equal(t, image.Rect(1, 2, 30, 40), d.Box)
	assert.Equal(t, 7, d.TrackID)
	assert.InDelta(t, 0.8, d.Confidence, 1e-6)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "webcam", fake.requests[0].Stream)
	assert.NotEmpty(t, fake.requests[0].Image)
}

func TestStartWorker_ExitsBeforeReady(t *testing.T) {
	t.Parallel()

	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false(1) not available")
	}

	modelPath := writeFile(t, "best.pt", "not a model")
	_, err = Load(modelPath, LoadOptions{Worker: []string{falseBin}, Logger: discardLogger()})
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))
	assert.ErrorContains(t, err, "did not report ready")
}

// lockedBuffer collects log output written from worker goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartWorker_LogsStderrBeforeExit(t *testing.T) {
	t.Parallel()

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	script := "echo '[ERROR] weights are corrupt' >&2; echo 'Traceback (most recent call last):' >&2; exit 3"
	modelPath := writeFile(t, "best.pt", "not a model")
	_, err = Load(modelPath, LoadOptions{Worker: []string{sh, "-c", script}, Logger: logger})
	require.Error(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf(err))

	out := logs.String()
	assert.Contains(t, out, "weights are corrupt")
	assert.Contains(t, out, "Traceback")
	assert.Equal(t, 2, strings.Count(out, "level=ERROR"), "both lines are logged as errors")
}
