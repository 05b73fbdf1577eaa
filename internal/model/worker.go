package model

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"

	"github.com/bdougie/visiontrack/internal/models"
)

// Messages to and from the worker are a 4 byte big-endian length followed by a
// msgpack body. After loading the model the worker sends one workerHello; then
// each workerRequest gets exactly one workerResponse with the same id. A request
// whose stream differs from the previous one resets the worker's tracker.

const (
	maxMessageSize    = 64 << 20
	workerStopTimeout = 5 * time.Second
)

type workerHello struct {
	Ready bool   `msgpack:"ready"`
	Model string `msgpack:"model"`
	Error string `msgpack:"error"`
}

type workerRequest struct {
	ID      uint64  `msgpack:"id"`
	Stream  string  `msgpack:"stream"`
	Image   []byte  `msgpack:"image"`
	ImgSize int     `msgpack:"imgsz"`
	Conf    float32 `msgpack:"conf"`
	Persist bool    `msgpack:"persist"`
}

type workerDetection struct {
	ClassID    int        `msgpack:"class_id"`
	Label      string     `msgpack:"label"`
	Confidence float32    `msgpack:"confidence"`
	Box        [4]float32 `msgpack:"box"`
	TrackID    int        `msgpack:"track_id"`
}

type workerResponse struct {
	ID         uint64            `msgpack:"id"`
	Detections []workerDetection `msgpack:"detections"`
	Error      string            `msgpack:"error"`
}

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(body) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(body))
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// workerDetector forwards frames to an external model process. Calls are
// serialized; the worker sees one request at a time.
type workerDetector struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout io.Reader
	labels []string
	logger *slog.Logger
	nextID uint64
	broken error

	cmd    *exec.Cmd
	exited chan struct{}
}

func newWorkerConn(stdin io.WriteCloser, stdout io.Reader, labels []string, logger *slog.Logger) *workerDetector {
	return &workerDetector{
		stdin:  stdin,
		stdout: stdout,
		labels: labels,
		logger: logger,
	}
}

// startWorker launches command with "--model <path>" appended and waits for the
// worker to report that the model is loaded.
func startWorker(command []string, modelPath string, labels []string, logger *slog.Logger) (*workerDetector, error) {
	args := append(append([]string{}, command[1:]...), "--model", modelPath)
	cmd := exec.Command(command[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start model worker %q: %w", command[0], err)
	}

	w := newWorkerConn(stdin, bufio.NewReader(stdout), labels, logger)
	w.cmd = cmd
	w.exited = make(chan struct{})

	// Wait closes the pipes, so it runs only once stderr is drained
	go func() {
		w.logStderr(stderr)
		err := cmd.Wait()
		if err != nil {
			logger.Debug("model worker exited", "error", err)
		}
		close(w.exited)
	}()

	var hello workerHello
	if err := readMessage(w.stdout, &hello); err != nil {
		w.Close()
		return nil, fmt.Errorf("model worker did not report ready: %w", err)
	}
	if !hello.Ready {
		w.Close()
		return nil, fmt.Errorf("model worker rejected '%s': %s", modelPath, hello.Error)
	}

	logger.Info("model worker ready", "command", command[0], "model", hello.Model, "pid", cmd.Process.Pid)
	return w, nil
}

func (w *workerDetector) Detect(ctx context.Context, frame gocv.Mat, stream string, opts Options) ([]models.Detection, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	resp, err := w.roundTrip(ctx, workerRequest{
		Stream:  stream,
		Image:   buf.GetBytes(),
		ImgSize: opts.ImgSize,
		Conf:    opts.Confidence,
		Persist: opts.Persist,
	})
	if err != nil {
		return nil, err
	}

	detections := make([]models.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		label := d.Label
		if label == "" {
			label = labelFor(w.labels, d.ClassID)
		}
		detections = append(detections, models.Detection{
			ClassID:    d.ClassID,
			Label:      label,
			Confidence: d.Confidence,
			Box:        image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3])),
			TrackID:    d.TrackID,
		})
	}
	return detections, nil
}

func (w *workerDetector) roundTrip(ctx context.Context, req workerRequest) (workerResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return workerResponse{}, fmt.Errorf("model worker unusable: %w", w.broken)
	}

	w.nextID++
	req.ID = w.nextID

	type outcome struct {
		resp workerResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		if err := writeMessage(w.stdin, req); err != nil {
			done <- outcome{err: err}
			return
		}
		var resp workerResponse
		err := readMessage(w.stdout, &resp)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		// the reply to this request may still arrive, so the stream is out of step
		w.broken = ctx.Err()
		return workerResponse{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			w.broken = o.err
			return workerResponse{}, o.err
		}
		if o.resp.ID != req.ID {
			w.broken = fmt.Errorf("response id %d for request %d", o.resp.ID, req.ID)
			return workerResponse{}, w.broken
		}
		if o.resp.Error != "" {
			return workerResponse{}, errors.New(o.resp.Error)
		}
		return o.resp, nil
	}
}

// logStderr forwards worker log lines, mapping their level markers to slog levels
func (w *workerDetector) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			w.logger.Error("model worker", "line", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			w.logger.Warn("model worker", "line", line)
		default:
			w.logger.Debug("model worker", "line", line)
		}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Close ends the worker by closing its stdin, killing it if it does not exit in time
func (w *workerDetector) Close() error {
	err := w.stdin.Close()
	if w.cmd == nil {
		return err
	}

	select {
	case <-w.exited:
	case <-time.After(workerStopTimeout):
		w.logger.Warn("model worker stop timeout, killing process", "pid", w.cmd.Process.Pid)
		if kerr := w.cmd.Process.Kill(); kerr != nil {
			return fmt.Errorf("failed to kill model worker: %w", kerr)
		}
		<-w.exited
	}
	return nil
}
