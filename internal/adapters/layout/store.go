// Package layout persists coverage configurations as properties files next
// to the mosaic granules.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// SummaryFile lists the coverages of a mosaic holding more than one.
const SummaryFile = "coverages.summary"

const propertiesExt = ".properties"

// Property keys.
const (
	keyName              = "Name"
	keyAbsolutePath      = "AbsolutePath"
	keyLocationAttribute = "LocationAttribute"
	keyLevelsNum         = "LevelsNum"
	keyLevels            = "Levels"
	keyExpandToRGB       = "ExpandToRGB"
	keyHeterogeneous     = "Heterogeneous"
	keySuggestedReader   = "SuggestedReader"
	keyImposedBBox       = "ImposedBBox"
	keyCaching           = "Caching"
	keyCRS               = "CRS"
	keyColorModel        = "ColorModel"
	keySampleModel       = "SampleModel"
	keyDimensions        = "Dimensions"
	keyCoverages         = "Coverages"
)

// FileStore implements output.ConfigurationStore on a directory.
type FileStore struct {
	root   string
	logger *slog.Logger
}

var _ output.ConfigurationStore = (*FileStore)(nil)

// NewFileStore creates a store writing into root.
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	return &FileStore{root: root, logger: logger}
}

// Root returns the directory of the store.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(coverage string) string {
	return filepath.Join(s.root, coverage+propertiesExt)
}

// Stage writes the properties of cfgs, and the summary when the mosaic then
// holds more than one coverage, to temporary files.
func (s *FileStore) Stage(cfgs []domain.CoverageConfiguration) (output.StagedWrite, error) {
	w := &stagedWrite{logger: s.logger}

	existing, err := s.List()
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(existing)+len(cfgs))
	for _, n := range existing {
		names[n] = true
	}

	for _, cfg := range cfgs {
		if !domain.ValidIdentifier(cfg.Name) {
			_ = w.Discard()
			return nil, &domain.ValidationError{Field: "coverage", Value: cfg.Name, Message: "invalid coverage name"}
		}
		if err := w.stage(s.root, s.path(cfg.Name), encode(cfg)); err != nil {
			_ = w.Discard()
			return nil, err
		}
		names[cfg.Name] = true
	}

	if len(names) > 1 {
		list := make([]string, 0, len(names))
		for n := range names {
			list = append(list, n)
		}
		sort.Strings(list)

		p := properties.NewProperties()
		p.DisableExpansion = true
		_, _, _ = p.Set(keyCoverages, strings.Join(list, ","))
		if err := w.stage(s.root, filepath.Join(s.root, SummaryFile), p); err != nil {
			_ = w.Discard()
			return nil, err
		}
	}

	return w, nil
}

// Load reads the persisted configuration of a coverage.
func (s *FileStore) Load(coverage string) (domain.CoverageConfiguration, error) {
	p, err := properties.LoadFile(s.path(coverage), properties.UTF8)
	if err != nil {
		if _, statErr := os.Stat(s.path(coverage)); errors.Is(statErr, os.ErrNotExist) {
			return domain.CoverageConfiguration{}, &domain.CatalogError{Coverage: coverage, Op: "load_properties", Err: domain.ErrUnknownCoverage}
		}
		return domain.CoverageConfiguration{}, &domain.CatalogError{Coverage: coverage, Op: "load_properties", Err: err}
	}
	p.DisableExpansion = true

	cfg, err := decode(p)
	if err != nil {
		return domain.CoverageConfiguration{}, &domain.CatalogError{Coverage: coverage, Op: "load_properties", Err: err}
	}
	return cfg, nil
}

// List returns the persisted coverage names, from the summary when present.
func (s *FileStore) List() ([]string, error) {
	summary := filepath.Join(s.root, SummaryFile)
	if p, err := properties.LoadFile(summary, properties.UTF8); err == nil {
		var names []string
		for _, n := range strings.Split(p.GetString(keyCoverages, ""), ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		sort.Strings(names)
		return names, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.root, "*"+propertiesExt))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), propertiesExt)
		if domain.ValidIdentifier(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes the properties of a coverage and rewrites the summary.
func (s *FileStore) Remove(coverage string) error {
	if err := os.Remove(s.path(coverage)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	names, err := s.List()
	if err != nil {
		return err
	}
	remaining := names[:0]
	for _, n := range names {
		if n != coverage {
			remaining = append(remaining, n)
		}
	}

	summary := filepath.Join(s.root, SummaryFile)
	if len(remaining) <= 1 {
		if err := os.Remove(summary); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	p := properties.NewProperties()
	p.DisableExpansion = true
	_, _, _ = p.Set(keyCoverages, strings.Join(remaining, ","))
	w := &stagedWrite{logger: s.logger}
	if err := w.stage(s.root, summary, p); err != nil {
		return err
	}
	return w.Commit()
}

// encode renders a configuration as properties.
func encode(cfg domain.CoverageConfiguration) *properties.Properties {
	p := properties.NewProperties()
	p.DisableExpansion = true

	set := func(k, v string) { _, _, _ = p.Set(k, v) }

	set(keyName, cfg.Name)
	set(keyAbsolutePath, strconv.FormatBool(cfg.AbsolutePath))
	set(keyLocationAttribute, cfg.LocationAttribute)
	set(keyLevelsNum, strconv.Itoa(len(cfg.Levels)))

	levels := make([]string, len(cfg.Levels))
	for i, l := range cfg.Levels {
		levels[i] = formatFloat(l[0]) + "," + formatFloat(l[1])
	}
	set(keyLevels, strings.Join(levels, " "))

	set(keyExpandToRGB, strconv.FormatBool(cfg.ExpandToRGB))
	set(keyHeterogeneous, strconv.FormatBool(cfg.Heterogeneous))
	if cfg.SuggestedReader != "" {
		set(keySuggestedReader, cfg.SuggestedReader)
	}
	if !cfg.ImposedBBox.IsEmpty() {
		b := cfg.ImposedBBox
		set(keyImposedBBox, strings.Join([]string{
			formatFloat(b.MinX()), formatFloat(b.MinY()), formatFloat(b.MaxX()), formatFloat(b.MaxY()),
		}, ","))
	}
	set(keyCaching, strconv.FormatBool(cfg.Caching))
	set(keyCRS, crsString(cfg.CRS))
	set(keyColorModel, cfg.ColorModel.String())

	sm := cfg.SampleModel
	set(keySampleModel, fmt.Sprintf("%d,%s,%d,%d", sm.Bands, sm.DataType, sm.TileW, sm.TileH))

	if len(cfg.Dimensions) > 0 {
		if raw, err := json.Marshal(cfg.Dimensions); err == nil {
			set(keyDimensions, string(raw))
		}
	}
	return p
}

// decode parses properties written by encode.
func decode(p *properties.Properties) (domain.CoverageConfiguration, error) {
	name := p.GetString(keyName, "")
	b := domain.NewConfigurationBuilder(name).
		AbsolutePath(p.GetBool(keyAbsolutePath, false)).
		ExpandToRGB(p.GetBool(keyExpandToRGB, false)).
		Heterogeneous(p.GetBool(keyHeterogeneous, false)).
		Caching(p.GetBool(keyCaching, false)).
		SuggestedReader(p.GetString(keySuggestedReader, "")).
		CRS(domain.ParseCRS(p.GetString(keyCRS, "")))

	if loc := p.GetString(keyLocationAttribute, ""); loc != "" {
		b.LocationAttribute(loc)
	}

	levels, err := parseLevels(p.GetString(keyLevels, ""))
	if err != nil {
		return domain.CoverageConfiguration{}, err
	}
	if n := p.GetInt(keyLevelsNum, len(levels)); n != len(levels) {
		return domain.CoverageConfiguration{}, &domain.ValidationError{Field: keyLevelsNum, Value: n, Constraint: strconv.Itoa(len(levels)), Message: "level count does not match levels"}
	}
	b.Levels(levels)

	if text := p.GetString(keyColorModel, ""); text != "" {
		cm, err := domain.ParseColorModel(text)
		if err != nil {
			return domain.CoverageConfiguration{}, err
		}
		b.ColorModel(cm)
	}

	if text := p.GetString(keySampleModel, ""); text != "" {
		sm, err := parseSampleModel(text)
		if err != nil {
			return domain.CoverageConfiguration{}, err
		}
		b.SampleModel(sm)
	}

	if text := p.GetString(keyImposedBBox, ""); text != "" {
		v, err := parseFloats(text, ",")
		if err != nil || len(v) != 4 {
			return domain.CoverageConfiguration{}, &domain.ValidationError{Field: keyImposedBBox, Value: text, Constraint: "minx,miny,maxx,maxy", Message: "invalid bounding box"}
		}
		b.ImposedBBox(domain.NewEnvelope(v[0], v[1], v[2], v[3], domain.ParseCRS(p.GetString(keyCRS, ""))))
	}

	if text := p.GetString(keyDimensions, ""); text != "" {
		var dims []domain.DimensionDescriptor
		if err := json.Unmarshal([]byte(text), &dims); err != nil {
			return domain.CoverageConfiguration{}, fmt.Errorf("parsing dimensions: %w", err)
		}
		b.Dimensions(dims)
	}

	return b.Build()
}

func parseLevels(text string) ([]domain.Level, error) {
	var levels []domain.Level
	for _, pair := range strings.Fields(text) {
		v, err := parseFloats(pair, ",")
		if err != nil || len(v) != 2 {
			return nil, &domain.ValidationError{Field: keyLevels, Value: pair, Constraint: "resx,resy", Message: "invalid resolution level"}
		}
		levels = append(levels, domain.Level{v[0], v[1]})
	}
	return levels, nil
}

func parseSampleModel(text string) (domain.SampleModel, error) {
	parts := strings.Split(text, ",")
	if len(parts) != 4 {
		return domain.SampleModel{}, &domain.ValidationError{Field: keySampleModel, Value: text, Constraint: "bands,type,tilew,tileh", Message: "invalid sample model"}
	}
	var sm domain.SampleModel
	var err error
	if sm.Bands, err = strconv.Atoi(parts[0]); err != nil {
		return domain.SampleModel{}, fmt.Errorf("parsing sample model bands: %w", err)
	}
	sm.DataType = domain.TransferType(parts[1])
	if sm.TileW, err = strconv.Atoi(parts[2]); err != nil {
		return domain.SampleModel{}, fmt.Errorf("parsing sample model tile width: %w", err)
	}
	if sm.TileH, err = strconv.Atoi(parts[3]); err != nil {
		return domain.SampleModel{}, fmt.Errorf("parsing sample model tile height: %w", err)
	}
	return sm, nil
}

func parseFloats(text, sep string) ([]float64, error) {
	parts := strings.Split(text, sep)
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func crsString(c domain.CRS) string {
	if c.Code != "" {
		return c.Code
	}
	return c.WKT
}
