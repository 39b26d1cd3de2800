package storage

import (
	"context"
	"io"
	"time"

	"github.com/jobrunner/tessera/internal/ports/output"
)

// Instrumented records metrics for every operation of a granule source.
type Instrumented struct {
	next    output.ObjectStorage
	metrics output.MetricsCollector
}

// NewInstrumented wraps next.
func NewInstrumented(next output.ObjectStorage, metrics output.MetricsCollector) *Instrumented {
	return &Instrumented{next: next, metrics: metrics}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.metrics.IncStorageOperations(op, err == nil)
	s.metrics.ObserveStorageDuration(op, time.Since(start))
}

// List implements output.ObjectStorage.
func (s *Instrumented) List(ctx context.Context) ([]output.StorageObject, error) {
	start := time.Now()
	objects, err := s.next.List(ctx)
	s.observe("list", start, err)
	return objects, err
}

// Download implements output.ObjectStorage.
func (s *Instrumented) Download(ctx context.Context, key string, dest string) error {
	start := time.Now()
	err := s.next.Download(ctx, key, dest)
	s.observe("download", start, err)
	return err
}

// GetReader implements output.ObjectStorage.
func (s *Instrumented) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	r, err := s.next.GetReader(ctx, key)
	s.observe("read", start, err)
	return r, err
}

// Exists implements output.ObjectStorage.
func (s *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.next.Exists(ctx, key)
	s.observe("exists", start, err)
	return ok, err
}
