// internal/config/config.go

// Package config loads process configuration from the environment, one
// loader per binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Queue subjects shared by every process in the pipeline.
const (
	OcrQueue         = "ocr_queue"
	TranslationQueue = "translation_queue"
	PdfQueue         = "pdf_queue"
	ResultQueue      = "result_queue"
)

// Common holds the settings every process needs.
type Common struct {
	NATSURL  string
	StoreDir string
}

// Stage holds the per-stage runtime tunables. An empty DeadLetter disables
// dead-lettering; MaxAttempts of 1 disables retry. Both defaults preserve
// the pipeline's park-on-failure behavior.
type Stage struct {
	Prefetch       int
	HandlerTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	DeadLetter     string
}

type OCR struct {
	Common
	Stage
	TesseractLang string
}

type Translate struct {
	Common
	Stage
	APIURL     string
	APIKey     string
	SourceLang string
	TargetLang string
	APITimeout time.Duration
}

type PDF struct {
	Common
	Stage
	OutputDir string
	FontFile  string
}

type Gateway struct {
	Common
	Addr      string
	UploadDir string
}

func loadCommon() Common {
	return Common{
		NATSURL:  getenv("NATS_URL", "nats://127.0.0.1:4222"),
		StoreDir: getenv("STORE_DIR", "./data/db"),
	}
}

func loadStage(prefix string, defaultPrefetch int, defaultTimeout time.Duration) (Stage, error) {
	prefetch, err := parsePositiveInt(getenv(prefix+"_PREFETCH", strconv.Itoa(defaultPrefetch)), prefix+"_PREFETCH")
	if err != nil {
		return Stage{}, err
	}
	timeoutSec, err := parsePositiveInt(getenv(prefix+"_TIMEOUT_SECONDS", strconv.Itoa(int(defaultTimeout/time.Second))), prefix+"_TIMEOUT_SECONDS")
	if err != nil {
		return Stage{}, err
	}
	attempts, err := parsePositiveInt(getenv(prefix+"_MAX_ATTEMPTS", "1"), prefix+"_MAX_ATTEMPTS")
	if err != nil {
		return Stage{}, err
	}
	retrySec, err := parsePositiveInt(getenv(prefix+"_RETRY_DELAY_SECONDS", "5"), prefix+"_RETRY_DELAY_SECONDS")
	if err != nil {
		return Stage{}, err
	}
	return Stage{
		Prefetch:       prefetch,
		HandlerTimeout: time.Duration(timeoutSec) * time.Second,
		MaxAttempts:    attempts,
		RetryDelay:     time.Duration(retrySec) * time.Second,
		DeadLetter:     getenv(prefix+"_DEAD_LETTER_QUEUE", ""),
	}, nil
}

func LoadOCR() (OCR, error) {
	stage, err := loadStage("OCR", 4, 2*time.Minute)
	if err != nil {
		return OCR{}, err
	}
	return OCR{
		Common:        loadCommon(),
		Stage:         stage,
		TesseractLang: getenv("TESSERACT_LANG", "eng"),
	}, nil
}

func LoadTranslate() (Translate, error) {
	stage, err := loadStage("TRANSLATE", 2, 2*time.Minute)
	if err != nil {
		return Translate{}, err
	}
	apiTimeoutSec, err := parsePositiveInt(getenv("TRANSLATE_API_TIMEOUT_SECONDS", "60"), "TRANSLATE_API_TIMEOUT_SECONDS")
	if err != nil {
		return Translate{}, err
	}
	return Translate{
		Common:     loadCommon(),
		Stage:      stage,
		APIURL:     getenv("TRANSLATE_API_URL", "http://127.0.0.1:5000"),
		APIKey:     getenv("TRANSLATE_API_KEY", ""),
		SourceLang: getenv("TRANSLATE_SOURCE_LANG", "auto"),
		TargetLang: getenv("TRANSLATE_TARGET_LANG", "en"),
		APITimeout: time.Duration(apiTimeoutSec) * time.Second,
	}, nil
}

func LoadPDF() (PDF, error) {
	// Rendering is the heaviest stage; one document at a time.
	stage, err := loadStage("PDF", 1, 5*time.Minute)
	if err != nil {
		return PDF{}, err
	}
	return PDF{
		Common:    loadCommon(),
		Stage:     stage,
		OutputDir: getenv("OUTPUT_DIR", "./output"),
		FontFile:  getenv("PDF_FONT_FILE", ""),
	}, nil
}

func LoadGateway() (Gateway, error) {
	return Gateway{
		Common:    loadCommon(),
		Addr:      getenv("GATEWAY_ADDR", ":5000"),
		UploadDir: getenv("UPLOAD_DIR", "./data/uploads"),
	}, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
