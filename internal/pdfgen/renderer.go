// internal/pdfgen/renderer.go

// Package pdfgen renders translated text into PDF documents.
package pdfgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Renderer writes PDFs into a fixed output directory. Documents are written
// to a temp file first and renamed into place, so readers never observe a
// partial PDF at the final path.
type Renderer struct {
	outDir   string
	fontFile string
}

func New(outDir string) *Renderer {
	return &Renderer{outDir: outDir}
}

// NewWithFont embeds the TrueType font at fontFile so translations outside
// the core fonts' cp1252 coverage render correctly.
func NewWithFont(outDir, fontFile string) *Renderer {
	return &Renderer{outDir: outDir, fontFile: fontFile}
}

// Render lays out text as A4 paragraphs and returns the final document path,
// derived from the source file's base name plus a timestamp suffix so
// re-submissions never collide.
func (r *Renderer) Render(text, sourcePath string) (string, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(20, 20, 20)
	doc.SetAutoPageBreak(true, 20)
	doc.AddPage()

	// An embedded TTF renders the full target-language alphabet. Without
	// one, the core fonts only cover cp1252; map what we can and keep going.
	tr := func(s string) string { return s }
	if r.fontFile != "" {
		doc.AddUTF8Font("document", "", r.fontFile)
		doc.SetFont("document", "", 12)
	} else {
		doc.SetFont("Helvetica", "", 12)
		tr = doc.UnicodeTranslatorFromDescriptor("")
	}

	for i, para := range strings.Split(text, "\n\n") {
		if i > 0 {
			doc.Ln(4)
		}
		doc.MultiCell(0, 6, tr(para), "", "L", false)
	}
	if err := doc.Error(); err != nil {
		return "", fmt.Errorf("layout document: %w", err)
	}

	tmp, err := os.CreateTemp(r.outDir, ".render-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	if err := doc.Output(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close document: %w", err)
	}

	final := filepath.Join(r.outDir, outputName(sourcePath))
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("move document: %w", err)
	}
	return final, nil
}

func outputName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		base = "document"
	}
	return fmt.Sprintf("%s_%d.pdf", base, time.Now().UnixMilli())
}
