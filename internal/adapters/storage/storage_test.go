package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func TestIsGranuleKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"a.tif", true},
		{"dir/A.TIFF", true},
		{"a.png", true},
		{"a.pgw", true},
		{"a.prj", true},
		{"rain.granule.yaml", true},
		{"rain.granule.yml", true},
		{"rain.yaml", false},
		{"readme.txt", false},
		{"a.gpkg", false},
		{"noext", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := IsGranuleKey(tt.key); got != tt.want {
				t.Errorf("IsGranuleKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	if got := relativeKey("mosaic/2024/a.tif", "mosaic"); got != "2024/a.tif" {
		t.Errorf("relativeKey() = %q", got)
	}
	if got := joinKey("mosaic/", "a.tif"); got != "mosaic/a.tif" {
		t.Errorf("joinKey() = %q", got)
	}
	if got := joinKey("", "a.tif"); got != "a.tif" {
		t.Errorf("joinKey() = %q", got)
	}
}

func newIndexServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.txt", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "# granules\n\na.tif\na.tfw\nnotes.txt\nb.granule.yaml\n")
	})
	mux.HandleFunc("/a.tif", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pixels")
	})
	mux.HandleFunc("/broken.tif", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStorageList(t *testing.T) {
	srv := newIndexServer(t)
	s := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL + "/", Username: "u", Password: "p"})

	objects, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a.tif", "a.tfw", "b.granule.yaml"}
	if len(objects) != len(want) {
		t.Fatalf("List() = %v, want %v", objects, want)
	}
	for i, obj := range objects {
		if obj.Key != want[i] {
			t.Errorf("object %d = %q, want %q", i, obj.Key, want[i])
		}
	}

	anon := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL})
	var se *domain.StorageError
	if _, err := anon.List(context.Background()); !errors.As(err, &se) {
		t.Errorf("List() without credentials error = %v, want StorageError", err)
	}
}

func TestHTTPStorageDownload(t *testing.T) {
	srv := newIndexServer(t)
	s := NewHTTPStorage(HTTPConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	ctx := context.Background()

	dest := filepath.Join(t.TempDir(), "nested", "a.tif")
	if err := s.Download(ctx, "a.tif", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "pixels" {
		t.Errorf("downloaded %q, %v", data, err)
	}

	tests := []struct {
		key  string
		want error
	}{
		{"missing.tif", domain.ErrNotFound},
		{"broken.tif", domain.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := s.Download(ctx, tt.key, filepath.Join(t.TempDir(), tt.key))
			if !errors.Is(err, tt.want) {
				t.Errorf("Download() error = %v, want %v", err, tt.want)
			}
		})
	}

	if ok, _ := s.Exists(ctx, "a.tif"); !ok {
		t.Error("Exists(a.tif) = false")
	}
	if ok, _ := s.Exists(ctx, "missing.tif"); ok {
		t.Error("Exists(missing.tif) = true")
	}
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		name    string
		index   string
		want    []output.StorageObject
		wantErr bool
	}{
		{
			name:  "keys only",
			index: "a.tif\na.tfw\n",
			want:  []output.StorageObject{{Key: "a.tif"}, {Key: "a.tfw"}},
		},
		{
			name:  "size and time",
			index: "# rain\n2024/a.tif 48213 1704067200\n2024/a.tfw 120\n\nreadme.txt 10 1\n",
			want: []output.StorageObject{
				{Key: "2024/a.tif", Size: 48213, LastModified: 1704067200},
				{Key: "2024/a.tfw", Size: 120},
			},
		},
		{name: "bad size", index: "a.tif big\n", wantErr: true},
		{name: "bad time", index: "a.tif 10 yesterday\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIndex(strings.NewReader(tt.index))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseIndex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseIndex() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("object %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type recordingMetrics struct {
	output.NoOpMetrics
	ops map[string][]bool
}

func (m *recordingMetrics) IncStorageOperations(op string, success bool) {
	if m.ops == nil {
		m.ops = make(map[string][]bool)
	}
	m.ops[op] = append(m.ops[op], success)
}

func TestInstrumented(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.tif"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := &recordingMetrics{}
	s := NewInstrumented(NewLocalStorage(dir), m)
	ctx := context.Background()

	if _, err := s.List(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetReader(ctx, "missing.tif"); err == nil {
		t.Fatal("GetReader(missing) succeeded")
	}
	if ok, _ := s.Exists(ctx, "a.tif"); !ok {
		t.Error("Exists() = false")
	}

	if got := m.ops["list"]; len(got) != 1 || !got[0] {
		t.Errorf("list ops = %v", got)
	}
	if got := m.ops["read"]; len(got) != 1 || got[0] {
		t.Errorf("read ops = %v", got)
	}
	if got := m.ops["exists"]; len(got) != 1 || !got[0] {
		t.Errorf("exists ops = %v", got)
	}
}
