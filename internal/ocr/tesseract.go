// internal/ocr/tesseract.go

// Package ocr extracts text from document images by shelling out to the
// tesseract binary.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner lets us stub the external command in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		slog.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"err", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("exec ok",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}

	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// Engine runs tesseract against image files.
type Engine struct {
	lang   string
	runner Runner
}

func New(lang string) *Engine {
	if lang == "" {
		lang = "eng"
	}
	return &Engine{lang: lang, runner: execRunner{}}
}

// NewWithRunner is for tests.
func NewWithRunner(lang string, r Runner) *Engine {
	e := New(lang)
	e.runner = r
	return e
}

// ExtractText OCRs the image at path and returns the recognized text.
func (e *Engine) ExtractText(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("source image: %w", err)
	}

	stdout, stderr, err := e.runner.Run(ctx, "tesseract", path, "stdout", "-l", e.lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(strings.TrimSpace(string(stderr)), 512))
	}

	text := strings.TrimRight(string(stdout), "\n")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("tesseract produced no text for %s", path)
	}
	return text, nil
}
