package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	name   string
	args   []string
	stdout []byte
	stderr []byte
	err    error
	calls  int
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls++
	s.name = name
	s.args = args
	return s.stdout, s.stderr, s.err
}

func writeTempImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o644))
	return path
}

func TestExtractTextRunsTesseract(t *testing.T) {
	runner := &stubRunner{stdout: []byte("Recognized text\n")}
	engine := NewWithRunner("vie", runner)

	path := writeTempImage(t)
	text, err := engine.ExtractText(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Recognized text", text)
	assert.Equal(t, "tesseract", runner.name)
	assert.Equal(t, []string{path, "stdout", "-l", "vie"}, runner.args)
}

func TestExtractTextDefaultsLanguage(t *testing.T) {
	runner := &stubRunner{stdout: []byte("x")}
	engine := NewWithRunner("", runner)

	_, err := engine.ExtractText(context.Background(), writeTempImage(t))
	require.NoError(t, err)
	assert.Contains(t, runner.args, "eng")
}

func TestExtractTextMissingSource(t *testing.T) {
	runner := &stubRunner{}
	engine := NewWithRunner("eng", runner)

	_, err := engine.ExtractText(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	assert.Zero(t, runner.calls, "tesseract must not run for a missing file")
}

func TestExtractTextCommandFailure(t *testing.T) {
	runner := &stubRunner{stderr: []byte("Error opening data file"), err: errors.New("exit status 1")}
	engine := NewWithRunner("eng", runner)

	_, err := engine.ExtractText(context.Background(), writeTempImage(t))
	require.ErrorContains(t, err, "tesseract")
	assert.Contains(t, err.Error(), "Error opening data file")
}

func TestExtractTextEmptyOutput(t *testing.T) {
	runner := &stubRunner{stdout: []byte("  \n\n")}
	engine := NewWithRunner("eng", runner)

	_, err := engine.ExtractText(context.Background(), writeTempImage(t))
	require.ErrorContains(t, err, "no text")
}
