package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// HTTPStorage syncs granules listed in an index file served over HTTP(S).
//
// The index holds one granule key per line, optionally followed by the size
// in bytes and the modification time in unix seconds:
//
//	# rain mosaic
//	2024/rain_20240101.tif 48213 1704067200
//	2024/rain_20240101.tfw
type HTTPStorage struct {
	client    *http.Client
	baseURL   string
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	BaseURL   string
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &HTTPStorage{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

// List returns the granules and sidecars listed in the index file.
func (s *HTTPStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	body, err := s.get(ctx, "list", s.indexFile)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	objects, err := parseIndex(body)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list", Key: s.indexFile, Err: err}
	}
	return objects, nil
}

// parseIndex reads index lines, skipping blanks, comments and non-granules.
func parseIndex(r io.Reader) ([]output.StorageObject, error) {
	var objects []output.StorageObject
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") || !IsGranuleKey(fields[0]) {
			continue
		}

		obj := output.StorageObject{Key: fields[0]}
		var err error
		if len(fields) > 1 {
			if obj.Size, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
				return nil, fmt.Errorf("index line %d: invalid size %q", n, fields[1])
			}
		}
		if len(fields) > 2 {
			if obj.LastModified, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return nil, fmt.Errorf("index line %d: invalid modification time %q", n, fields[2])
			}
		}
		objects = append(objects, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}
	return objects, nil
}

// Download fetches a granule into dest.
func (s *HTTPStorage) Download(ctx context.Context, key string, dest string) error {
	body, err := s.get(ctx, "download", key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if err := writeAtomic(dest, body); err != nil {
		return &domain.StorageError{Operation: "download", Key: key, Err: err}
	}
	return nil
}

// GetReader returns a reader for the given file.
func (s *HTTPStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, "read", key)
}

// Exists checks if a file exists via HTTP HEAD request. Only 404 means absent.
func (s *HTTPStorage) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key)
	if err != nil {
		return false, &domain.StorageError{Operation: "exists", Key: key, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &domain.StorageError{Operation: "exists", Key: key, Err: statusError(resp.StatusCode)}
	}
}

// get returns the body of a successful GET for key.
func (s *HTTPStorage) get(ctx context.Context, op, key string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, &domain.StorageError{Operation: op, Key: key, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &domain.StorageError{Operation: op, Key: key, Err: statusError(resp.StatusCode)}
	}
	return resp.Body, nil
}

func (s *HTTPStorage) do(ctx context.Context, method, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

// statusError maps an unexpected HTTP status to a domain error.
func statusError(code int) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrNotFound)
	case code >= 500:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrUnavailable)
	default:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrInternal)
	}
}
