// Package batch runs the model over every recognized file in a folder and
// writes one annotated output per input.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bdougie/visiontrack/internal/failure"
	"github.com/bdougie/visiontrack/internal/model"
	"github.com/bdougie/visiontrack/internal/models"
	"github.com/bdougie/visiontrack/internal/storage"
)

// ResultSuffix is appended to the input stem to name its output
const ResultSuffix = "_result"

// Kind describes which files a batch picks up and how outputs are named
type Kind struct {
	Name       string
	Extensions []string
	OutputExt  string
}

var (
	Images = Kind{Name: "images", Extensions: []string{".jpg", ".png", ".jpeg"}, OutputExt: ".jpg"}
	Videos = Kind{Name: "videos", Extensions: []string{".mp4", ".avi", ".mov"}, OutputExt: ".mp4"}
)

// Inferer is the part of the model a processor needs
type Inferer interface {
	Infer(ctx context.Context, src model.Source, opts model.Options) ([]model.Result, error)
}

// Summary counts what a batch did. Frames counts video frames written.
type Summary struct {
	Inputs  int
	Outputs int
	Frames  int
}

// frameCounter is implemented by results that stream video frames
type frameCounter interface {
	Frames() int
}

type Processor struct {
	model   Inferer
	kind    Kind
	opts    model.Options
	storage storage.Storage
	runID   string
	logger  *slog.Logger
}

// Option customizes a Processor
type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithStorage records every persisted output under runID
func WithStorage(s storage.Storage, runID string) Option {
	return func(p *Processor) {
		p.storage = s
		p.runID = runID
	}
}

func WithOptions(opts model.Options) Option {
	return func(p *Processor) { p.opts = opts }
}

func NewProcessor(m Inferer, kind Kind, opts ...Option) *Processor {
	p := &Processor{
		model:   m,
		kind:    kind,
		opts:    model.DefaultOptions(),
		storage: storage.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the model on every matching file in inputDir, in name order,
// writing results into outputDir. A missing or empty inputDir is not an error.
// The first inference or write failure stops the batch.
func (p *Processor) Process(ctx context.Context, inputDir, outputDir string) (Summary, error) {
	var summary Summary

	inputs, err := ListInputs(inputDir, p.kind.Extensions)
	if err != nil {
		return summary, err
	}

	p.logger.Info("processing batch", "kind", p.kind.Name, "input_dir", inputDir, "files", len(inputs))

	for i, name := range inputs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		inputPath := filepath.Join(inputDir, name)
		outputPath := OutputPath(outputDir, name, p.kind.OutputExt)
		start := time.Now()

		item, err := p.processItem(ctx, inputPath, outputPath)
		summary.Inputs++
		summary.Outputs += item.Outputs
		summary.Frames += item.Frames
		if err != nil {
			return summary, fmt.Errorf("%s %d/%d: %w", p.kind.Name, i+1, len(inputs), err)
		}

		p.logger.Info("processed",
			"kind", p.kind.Name,
			"input", inputPath,
			"output", outputPath,
			"frames", item.Frames,
			"progress", fmt.Sprintf("%d/%d", i+1, len(inputs)),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	return summary, nil
}

// processItem persists every result of one input to outputPath and counts
// what was written
func (p *Processor) processItem(ctx context.Context, inputPath, outputPath string) (Summary, error) {
	var item Summary
	results, err := p.model.Infer(ctx, model.FromPath(inputPath), p.opts)
	if err != nil {
		return item, err
	}
	defer func() {
		for _, r := range results {
			if cerr := r.Close(); cerr != nil {
				p.logger.Warn("failed to release result", "input", inputPath, "error", cerr)
			}
		}
	}()

	for _, r := range results {
		if err := r.Persist(ctx, outputPath); err != nil {
			return item, err
		}
		item.Outputs++
		if fc, ok := r.(frameCounter); ok {
			item.Frames += fc.Frames()
		}

		err := p.storage.AddResult(ctx, models.Record{
			RunID:      p.runID,
			Mode:       p.kind.Name,
			Input:      inputPath,
			Output:     outputPath,
			Detections: r.Detections(),
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return item, failure.New(failure.KindWrite, "record "+outputPath, err)
		}
	}
	return item, nil
}

// ListInputs returns the names of regular files in dir ending in one of exts,
// sorted. Matching is case-sensitive. A missing dir yields no names.
func ListInputs(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read input directory '%s': %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if hasAnySuffix(entry.Name(), exts) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func hasAnySuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// OutputPath names the output of input inside outputDir: {stem}_result{ext}
func OutputPath(outputDir, input, ext string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, stem+ResultSuffix+ext)
}
