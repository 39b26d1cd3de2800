package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

// dimensionPrefix marks dimension constraints in read query parameters,
// e.g. dim.time=2024-01-01 or dim.elevation=0/100.
const dimensionPrefix = "dim."

const defaultPageSize = 100

// HarvestRequest is the body of POST /api/v1/harvest.
type HarvestRequest struct {
	Path     string `json:"path"`
	Coverage string `json:"coverage,omitempty"`
}

// IndexRequest is the body of POST /api/v1/index.
type IndexRequest struct {
	Root      string `json:"root,omitempty"`
	Recursive *bool  `json:"recursive,omitempty"`
	Filter    string `json:"filter,omitempty"`
	Coverage  string `json:"coverage,omitempty"`
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.services.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":     boolToStatus(details.Healthy),
		"ready":      details.Ready,
		"coverages":  details.Coverages,
		"granules":   details.Granules,
		"indexing":   details.Indexing,
		"components": details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListCoverages returns the coverage names of the mosaic.
func (s *Server) handleListCoverages(w http.ResponseWriter, r *http.Request) {
	names, err := s.services.Reader.Coverages(r.Context())
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"coverages": names,
		"count":     len(names),
	})
}

// handleGetCoverage returns configuration, schema and bounds of a coverage.
func (s *Server) handleGetCoverage(w http.ResponseWriter, r *http.Request) {
	coverage := mux.Vars(r)["coverage"]
	ctx := r.Context()

	cfg, err := s.services.Reader.Configuration(ctx, coverage)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	schema, err := s.services.Reader.Schema(ctx, cfg.Name)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	bounds, err := s.services.Reader.Bounds(ctx, cfg.Name)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":          cfg.Name,
		"configuration": formatConfiguration(cfg),
		"schema":        schema,
		"bounds":        formatEnvelope(bounds),
	})
}

// handleGranules pages through the granules of a coverage as GeoJSON.
func (s *Server) handleGranules(w http.ResponseWriter, r *http.Request) {
	coverage := mux.Vars(r)["coverage"]
	q := r.URL.Query()

	offset, limit, err := parsePage(q.Get("offset"), q.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	expr, err := filter.Parse(q.Get("filter"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	if bbox := q.Get("bbox"); bbox != "" {
		env, err := parseBBox(bbox, domain.CRS{})
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		expr = filter.All(filter.BBox(env.Bound), expr)
	}

	records, total, err := s.services.Reader.Granules(r.Context(), coverage, expr, offset, limit)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for i := range records {
		fc.Append(granuleFeature(&records[i]))
	}
	fc.ExtraMembers = geojson.Properties{
		"numberMatched":  total,
		"numberReturned": len(records),
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fc)
}

// handleDomain pages through the values of one dimension.
func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	offset, limit, err := parsePage(q.Get("offset"), q.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expr, err := filter.Parse(q.Get("filter"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	values, err := s.services.Reader.DomainValues(r.Context(), vars["coverage"], vars["dimension"], expr, offset, limit)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"coverage":  vars["coverage"],
		"dimension": vars["dimension"],
		"values":    values,
		"count":     len(values),
	})
}

// handleRead resolves a read request and returns either the granule plan
// as JSON or the assembled mosaic as PNG.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	coverage := mux.Vars(r)["coverage"]
	ctx := r.Context()

	cfg, err := s.services.Reader.Configuration(ctx, coverage)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "json" {
		s.writeError(w, http.StatusBadRequest, "format must be png or json")
		return
	}

	req, err := parseReadRequest(r, cfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Assemble = format == "png"

	res, err := s.services.Reader.Read(ctx, req)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	if format == "json" {
		s.writeJSON(w, http.StatusOK, formatResult(cfg.Name, res))
		return
	}

	if res == nil || res.Image == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Granule-Count", strconv.Itoa(len(res.Granules)))
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, res.Image); err != nil {
		s.logger.Error("encoding mosaic", "coverage", cfg.Name, "error", err)
	}
}

// handleHarvest ingests a file or directory into the catalog.
func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var body HarvestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	path, err := s.resolvePath(body.Path)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := s.services.Harvester.Harvest(r.Context(), path, body.Coverage)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	harvested := 0
	for _, o := range outcomes {
		if o.Status == domain.HarvestIngested {
			harvested++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcomes":  outcomes,
		"files":     len(outcomes),
		"harvested": harvested,
	})
}

// handleIndex runs an indexing walk and returns its report.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var body IndexRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	root, err := s.resolvePath(body.Root)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := domain.IndexRequest{
		Root:      root,
		Recursive: body.Recursive == nil || *body.Recursive,
		Filter:    body.Filter,
		Coverage:  body.Coverage,
	}
	report, err := s.services.Indexer.Run(r.Context(), req)
	if err != nil && !errors.Is(err, domain.ErrIndexingCancelled) {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

// handleIndexState reports the state of the current or last run.
func (s *Server) handleIndexState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": s.services.Indexer.State(),
	})
}

// handleIndexStop asks a running walk to roll back.
func (s *Server) handleIndexStop(w http.ResponseWriter, _ *http.Request) {
	s.services.Indexer.Stop()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"state": s.services.Indexer.State(),
	})
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.services.Sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("sync failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// resolvePath resolves p against the mosaic root and keeps it below it.
func (s *Server) resolvePath(p string) (string, error) {
	root := s.services.Root
	if root == "" {
		if p == "" {
			return "", errors.New("path is required")
		}
		return filepath.Clean(p), nil
	}
	if p == "" {
		return root, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the mosaic root", p)
	}
	return p, nil
}

// parseReadRequest builds a read request from query parameters. The bbox is
// taken in the coverage CRS unless crs names another one.
func parseReadRequest(r *http.Request, cfg domain.CoverageConfiguration) (domain.ReadRequest, error) {
	q := r.URL.Query()
	req := domain.ReadRequest{
		Coverage: cfg.Name,
		Filter:   q.Get("filter"),
	}

	crs := cfg.CRS
	if c := q.Get("crs"); c != "" {
		crs = domain.ParseCRS(c)
	}
	if bbox := q.Get("bbox"); bbox != "" {
		env, err := parseBBox(bbox, crs)
		if err != nil {
			return req, err
		}
		req.Envelope = env
	}

	var err error
	if req.Width, err = parseSize("width", q.Get("width")); err != nil {
		return req, err
	}
	if req.Height, err = parseSize("height", q.Get("height")); err != nil {
		return req, err
	}

	for key, values := range q {
		name, ok := strings.CutPrefix(key, dimensionPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		if req.Dimensions == nil {
			req.Dimensions = make(map[string]domain.DimensionConstraint)
		}
		req.Dimensions[name] = parseConstraint(values[0])
	}

	return req, nil
}

// parseConstraint reads "v" as a point and "lo/hi" as a range.
func parseConstraint(v string) domain.DimensionConstraint {
	if lo, hi, ok := strings.Cut(v, "/"); ok {
		return domain.RangeConstraint(lo, hi)
	}
	return domain.PointConstraint(v)
}

// parseBBox parses "minx,miny,maxx,maxy".
func parseBBox(s string, crs domain.CRS) (domain.Envelope, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return domain.Envelope{}, errors.New("bbox must be minx,miny,maxx,maxy")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("invalid bbox value %q", p)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return domain.Envelope{}, errors.New("bbox minimum exceeds maximum")
	}
	return domain.NewEnvelope(v[0], v[1], v[2], v[3], crs), nil
}

func parseSize(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return n, nil
}

// parsePage reads offset and limit; limit defaults to defaultPageSize and
// -1 lifts it.
func parsePage(offsetParam, limitParam string) (int, int, error) {
	offset, limit := 0, defaultPageSize
	if offsetParam != "" {
		v, err := strconv.Atoi(offsetParam)
		if err != nil || v < 0 {
			return 0, 0, errors.New("invalid offset parameter")
		}
		offset = v
	}
	if limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err != nil || v < -1 {
			return 0, 0, errors.New("invalid limit parameter")
		}
		limit = v
	}
	return offset, limit, nil
}

// granuleFeature converts a catalog record into a GeoJSON feature.
func granuleFeature(rec *domain.GranuleRecord) *geojson.Feature {
	f := geojson.NewFeature(rec.Footprint)
	f.ID = rec.ID
	f.Properties = geojson.Properties{"location": rec.Location}
	for k, v := range rec.Attributes {
		f.Properties[k] = v
	}
	return f
}

// formatConfiguration formats a coverage configuration for JSON output.
func formatConfiguration(cfg domain.CoverageConfiguration) map[string]interface{} {
	out := map[string]interface{}{
		"crs":                cfg.CRS.String(),
		"levels":             cfg.Levels,
		"color_model":        cfg.ColorModel.String(),
		"heterogeneous":      cfg.Heterogeneous,
		"absolute_path":      cfg.AbsolutePath,
		"location_attribute": cfg.LocationAttribute,
		"expand_to_rgb":      cfg.ExpandToRGB,
		"caching":            cfg.Caching,
		"dimensions":         cfg.Dimensions,
	}
	if cfg.SuggestedReader != "" {
		out["suggested_reader"] = cfg.SuggestedReader
	}
	if !cfg.ImposedBBox.IsEmpty() {
		out["imposed_bbox"] = formatEnvelope(cfg.ImposedBBox)
	}
	return out
}

// formatEnvelope formats an envelope for JSON output.
func formatEnvelope(env domain.Envelope) map[string]interface{} {
	if env.IsEmpty() {
		return nil
	}
	return map[string]interface{}{
		"min_x": env.MinX(),
		"min_y": env.MinY(),
		"max_x": env.MaxX(),
		"max_y": env.MaxY(),
		"crs":   env.CRS.String(),
	}
}

// formatResult formats a read result for JSON output. A nil result is an
// empty read.
func formatResult(coverage string, res *domain.MosaicResult) map[string]interface{} {
	if res == nil {
		return map[string]interface{}{
			"coverage": coverage,
			"granules": []interface{}{},
			"count":    0,
		}
	}

	granules := make([]map[string]interface{}, len(res.Granules))
	for i, g := range res.Granules {
		granules[i] = map[string]interface{}{
			"location":   g.Record.Location,
			"level":      g.Level,
			"resolution": g.Resolution,
			"region":     formatEnvelope(g.Region),
			"attributes": g.Record.Attributes,
		}
	}
	return map[string]interface{}{
		"coverage":      res.Coverage,
		"envelope":      formatEnvelope(res.Envelope),
		"revision":      res.Revision,
		"expand_to_rgb": res.ExpandToRGB,
		"cached":        res.Cached,
		"granules":      granules,
		"count":         len(granules),
	}
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTooManyGranules):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
