// Package selector asks which modes to run and runs them in a fixed order.
package selector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bdougie/visiontrack/internal/failure"
)

type Mode int

const (
	Images Mode = 1
	Videos Mode = 2
	Webcam Mode = 3
)

// order is the sequence modes always run in
var order = []Mode{Images, Videos, Webcam}

func (m Mode) String() string {
	switch m {
	case Images:
		return "images"
	case Videos:
		return "videos"
	case Webcam:
		return "webcam"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) valid() bool {
	return m >= Images && m <= Webcam
}

const menu = `Select the input type:
1. Process images
2. Process videos
3. Process webcam feed
Enter the numbers of the input types to process (comma-separated, e.g., 1,2,3): `

// Prompt writes the menu to w and parses one line read from r
func Prompt(w io.Writer, r io.Reader) ([]Mode, error) {
	if _, err := io.WriteString(w, menu); err != nil {
		return nil, err
	}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, failure.New(failure.KindParse, "read selection", err)
	}
	return ParseModes(line)
}

// ParseModes parses a comma separated list of mode numbers. A token that is not
// an integer fails the whole line; integers outside 1-3 are dropped.
func ParseModes(line string) ([]Mode, error) {
	var modes []Mode
	for _, token := range strings.Split(line, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			return nil, failure.New(failure.KindParse, "parse selection", err)
		}
		if m := Mode(n); m.valid() {
			modes = append(modes, m)
		}
	}
	return modes, nil
}

// Handler runs one mode
type Handler func(ctx context.Context) error

// Dispatch runs the handler of every selected mode once, images first, then
// videos, then webcam. Recoverable failures are logged and the next mode runs;
// any other error is returned immediately.
func Dispatch(ctx context.Context, modes []Mode, handlers map[Mode]Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	selected := make(map[Mode]bool, len(modes))
	for _, m := range modes {
		selected[m] = true
	}

	for _, m := range order {
		if !selected[m] {
			continue
		}
		handler, ok := handlers[m]
		if !ok {
			return fmt.Errorf("no handler for %s", m)
		}

		logger.Info("running mode", "mode", m.String())
		if err := handler(ctx); err != nil {
			if failure.Recoverable(err) {
				logger.Error("mode failed", "mode", m.String(), "kind", failure.KindOf(err).String(), "error", err)
				continue
			}
			return fmt.Errorf("%s: %w", m, err)
		}
	}
	return nil
}
