package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.IncIndexRuns("committed")
	c.IncIndexRuns("committed")
	c.IncFiles("skipped")
	c.AddGranulesInserted("rain", 3)
	c.SetCatalogSize("rain", 7)
	c.IncReadRequests("rain", "ok")
	c.IncStorageOperations("list", false)
	c.ObserveRunDuration(time.Second)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"index runs", testutil.ToFloat64(c.indexRuns.WithLabelValues("committed")), 2},
		{"files", testutil.ToFloat64(c.files.WithLabelValues("skipped")), 1},
		{"granules inserted", testutil.ToFloat64(c.granulesInserted.WithLabelValues("rain")), 3},
		{"catalog size", testutil.ToFloat64(c.catalogSize.WithLabelValues("rain")), 7},
		{"reads", testutil.ToFloat64(c.readRequests.WithLabelValues("rain", "ok")), 1},
		{"storage", testutil.ToFloat64(c.storageOperations.WithLabelValues("list", "error")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(c.Middleware)
	r.HandleFunc("/api/v1/coverages/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, name := range []string{"rain", "wind"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/coverages/"+name, nil))
	}

	got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/coverages/{name}", "4xx"))
	if got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())
	c.IncIndexRuns("failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_index_runs_total{outcome="failed"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestStatusToString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{101, "101"},
	}
	for _, tt := range tests {
		if got := statusToString(tt.code); got != tt.want {
			t.Errorf("statusToString(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestServerServesConfiguredPath(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())
	c.SetCatalogSize("rain", 4)
	s := NewServer(":0", "/stats", c, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `test_catalog_granules{coverage="rain"} 4`) {
		t.Errorf("GET /stats = %d:\n%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404", rec.Code)
	}
}
