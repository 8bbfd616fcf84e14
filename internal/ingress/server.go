// internal/ingress/server.go

// Package ingress is the HTTP gateway: it accepts image uploads, enqueues
// them onto the OCR queue, serves job status, and hands out finished PDFs,
// optionally waiting on the result queue.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hoangvt/docpipe/internal/config"
	"github.com/hoangvt/docpipe/internal/store"
	"github.com/hoangvt/docpipe/pkg/schema"
)

// maxUploadBytes caps a single uploaded image.
const maxUploadBytes = 32 << 20

// maxWaitSeconds caps how long /result may hold a request open.
const maxWaitSeconds = 120

// Broker is the slice of the bus client the gateway needs.
type Broker interface {
	EnsureQueue(queue string) error
	PublishJSON(queue string, v any) error
	Consume(queue, group string, prefetch int, ackWait time.Duration, h nats.MsgHandler) (*nats.Subscription, error)
}

// Server owns the gateway's routes and its result-queue consumer.
type Server struct {
	store     *store.Store
	broker    Broker
	uploadDir string
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan schema.ResultEvent
}

func New(st *store.Store, broker Broker, uploadDir string, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		broker:    broker,
		uploadDir: uploadDir,
		logger:    logger,
		waiters:   make(map[string][]chan schema.ResultEvent),
	}
}

// Start declares the queues the gateway touches and begins consuming
// completion events to wake /result waiters.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return fmt.Errorf("ensure upload dir: %w", err)
	}
	for _, q := range []string{config.OcrQueue, config.ResultQueue} {
		if err := s.broker.EnsureQueue(q); err != nil {
			return fmt.Errorf("ensure queue %s: %w", q, err)
		}
	}

	sub, err := s.broker.Consume(config.ResultQueue, "gateway-workers", 16, time.Minute, func(msg *nats.Msg) {
		s.onResult(msg.Data)
		if err := msg.Ack(); err != nil {
			s.logger.Error("ack result failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", config.ResultQueue, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return nil
}

func (s *Server) onResult(data []byte) {
	var evt schema.ResultEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Error("undecodable result event", "err", err)
		return
	}
	s.logger.Info("job finished", "job_id", evt.ID, "output", evt.OutputPath)

	s.mu.Lock()
	waiting := s.waiters[evt.ID]
	delete(s.waiters, evt.ID)
	s.mu.Unlock()
	for _, ch := range waiting {
		ch <- evt
	}
}

func (s *Server) wait(id string) chan schema.ResultEvent {
	ch := make(chan schema.ResultEvent, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	return ch
}

func (s *Server) forget(id string, ch chan schema.ResultEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.waiters[id][:0]
	for _, w := range s.waiters[id] {
		if w != ch {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = kept
	}
}

// Router builds the gateway's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	r.Post("/upload", s.handleUpload)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/result/{id}", s.handleResult)
	return r
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file in request")
		return
	}
	defer file.Close()

	dest := filepath.Join(s.uploadDir, filepath.Base(header.Filename))
	if err := saveUpload(file, dest); err != nil {
		s.logger.Error("save upload failed", "filename", header.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	// Re-serving a finished job for the same file avoids re-running the
	// pipeline on duplicate uploads.
	if existing, ok := s.store.FindOne(store.BySourcePath(dest)); ok {
		if existing.Status == schema.StatusCompleted && fileExists(existing.OutputPath) {
			servePDF(w, r, existing.OutputPath)
			return
		}
		// Stale or failed record for this file: start over.
		if _, err := s.store.Delete(store.BySourcePath(dest)); err != nil {
			s.logger.Error("reset stale record failed", "source", dest, "err", err)
		}
	}

	rec := schema.JobRecord{
		ID:         uuid.NewString(),
		SourcePath: dest,
		Status:     schema.StatusUploaded,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.Insert(rec); err != nil {
		s.logger.Error("insert record failed", "source", dest, "err", err)
		writeError(w, http.StatusInternalServerError, "could not register job")
		return
	}
	if err := s.broker.PublishJSON(config.OcrQueue, rec); err != nil {
		s.logger.Error("enqueue job failed", "job_id", rec.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not enqueue job")
		return
	}
	s.logger.Info("job submitted", "job_id", rec.ID, "source", dest)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     rec.ID,
		"status": string(rec.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.store.FindOne(store.ByID(id))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.store.FindOne(store.ByID(id))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.Status == schema.StatusCompleted && fileExists(rec.OutputPath) {
		servePDF(w, r, rec.OutputPath)
		return
	}
	if rec.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job ended in status %s: %s", rec.Status, rec.Error))
		return
	}

	waitSec, _ := strconv.Atoi(r.URL.Query().Get("wait"))
	if waitSec <= 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("job still in status %s", rec.Status))
		return
	}
	if waitSec > maxWaitSeconds {
		waitSec = maxWaitSeconds
	}

	ch := s.wait(id)
	defer s.forget(id, ch)
	select {
	case evt := <-ch:
		if evt.Status == schema.StatusCompleted && fileExists(evt.OutputPath) {
			servePDF(w, r, evt.OutputPath)
			return
		}
		writeError(w, http.StatusConflict, fmt.Sprintf("job ended in status %s", evt.Status))
	case <-time.After(time.Duration(waitSec) * time.Second):
		writeError(w, http.StatusRequestTimeout, "job not finished yet")
	case <-r.Context().Done():
	}
}

func saveUpload(src io.Reader, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func servePDF(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
