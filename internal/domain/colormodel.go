package domain

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ColorModelKind discriminates the closed set of supported color models.
type ColorModelKind int

// Color model kinds.
const (
	ComponentColorModel ColorModelKind = iota + 1
	IndexColorModel
)

// String returns the string representation of the kind.
func (k ColorModelKind) String() string {
	switch k {
	case ComponentColorModel:
		return "component"
	case IndexColorModel:
		return "index"
	default:
		return "unknown"
	}
}

// TransferType names the primitive used to store samples.
type TransferType string

// Transfer types.
const (
	TransferByte    TransferType = "byte"
	TransferUShort  TransferType = "ushort"
	TransferShort   TransferType = "short"
	TransferInt     TransferType = "int"
	TransferFloat   TransferType = "float"
	TransferDouble  TransferType = "double"
	TransferUnknown TransferType = ""
)

// ColorModelInfo describes how samples map to colors. Only the fields
// belonging to Kind are meaningful.
type ColorModelInfo struct {
	Kind         ColorModelKind
	TransferType TransferType

	// Component color models.
	Bands      int
	HasAlpha   bool
	ColorSpace string // RGB, GRAY, ...

	// Index color models.
	MapSize          int
	TransparentIndex int // -1 when no transparent entry
	Palette          []byte // MapSize*4 bytes, RGBA per entry
}

// NewComponentColorModel describes a banded color model.
func NewComponentColorModel(bands int, alpha bool, space string, transfer TransferType) ColorModelInfo {
	return ColorModelInfo{
		Kind:         ComponentColorModel,
		Bands:        bands,
		HasAlpha:     alpha,
		ColorSpace:   strings.ToUpper(space),
		TransferType: transfer,
	}
}

// NewIndexColorModel describes a palette color model. The palette is copied.
func NewIndexColorModel(palette []byte, transparent int, transfer TransferType) ColorModelInfo {
	p := make([]byte, len(palette))
	copy(p, palette)
	return ColorModelInfo{
		Kind:             IndexColorModel,
		MapSize:          len(palette) / 4,
		TransparentIndex: transparent,
		Palette:          p,
		TransferType:     transfer,
	}
}

// IsZero returns true if no color model is set.
func (c ColorModelInfo) IsZero() bool {
	return c.Kind == 0
}

// Compatibility is the outcome of comparing two color models.
type Compatibility int

// Compatibility outcomes.
const (
	ColorCompatible Compatibility = iota
	ColorExpandToRGB
	ColorIncompatible
)

// String returns the string representation of the outcome.
func (c Compatibility) String() string {
	switch c {
	case ColorCompatible:
		return "compatible"
	case ColorExpandToRGB:
		return "expand_to_rgb"
	default:
		return "incompatible"
	}
}

// CompareColorModels checks whether candidate can join a coverage whose
// color model is existing. Palettes that differ only in content are
// reconcilable by expanding to RGB at read time. Neither argument is modified.
func CompareColorModels(existing, candidate ColorModelInfo) Compatibility {
	if existing.Kind != candidate.Kind {
		return ColorIncompatible
	}

	switch existing.Kind {
	case ComponentColorModel:
		if existing.Bands != candidate.Bands ||
			existing.HasAlpha != candidate.HasAlpha ||
			existing.ColorSpace != candidate.ColorSpace ||
			existing.TransferType != candidate.TransferType {
			return ColorIncompatible
		}
		return ColorCompatible

	case IndexColorModel:
		if existing.MapSize != candidate.MapSize ||
			existing.TransparentIndex != candidate.TransparentIndex ||
			existing.TransferType != candidate.TransferType {
			return ColorIncompatible
		}
		if !samePalette(existing, candidate) {
			return ColorExpandToRGB
		}
		return ColorCompatible
	}

	return ColorIncompatible
}

// samePalette compares palette entries, reading each model's colors into its own buffer.
func samePalette(a, b ColorModelInfo) bool {
	want := make([]byte, 4)
	got := make([]byte, 4)
	for i := 0; i < a.MapSize; i++ {
		a.entry(i, want)
		b.entry(i, got)
		for j := range want {
			if want[j] != got[j] {
				return false
			}
		}
	}
	return true
}

func (c ColorModelInfo) entry(i int, dst []byte) {
	off := i * 4
	for j := 0; j < 4; j++ {
		if off+j < len(c.Palette) {
			dst[j] = c.Palette[off+j]
		} else {
			dst[j] = 0
		}
	}
}

// String encodes the color model in the compact form stored in coverage properties.
func (c ColorModelInfo) String() string {
	switch c.Kind {
	case ComponentColorModel:
		return fmt.Sprintf("component;bands=%d;alpha=%t;space=%s;transfer=%s",
			c.Bands, c.HasAlpha, c.ColorSpace, c.TransferType)
	case IndexColorModel:
		return fmt.Sprintf("index;size=%d;transparent=%d;transfer=%s;palette=%s",
			c.MapSize, c.TransparentIndex, c.TransferType, hex.EncodeToString(c.Palette))
	default:
		return ""
	}
}

// ParseColorModel decodes the form produced by ColorModelInfo.String.
func ParseColorModel(s string) (ColorModelInfo, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	fields := make(map[string]string, len(parts))
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return ColorModelInfo{}, &ValidationError{Field: "color_model", Value: s, Constraint: "key=value", Message: "malformed color model field"}
		}
		fields[k] = v
	}

	switch parts[0] {
	case "component":
		bands, err := strconv.Atoi(fields["bands"])
		if err != nil {
			return ColorModelInfo{}, fmt.Errorf("parsing bands: %w", err)
		}
		alpha, _ := strconv.ParseBool(fields["alpha"])
		return NewComponentColorModel(bands, alpha, fields["space"], TransferType(fields["transfer"])), nil

	case "index":
		transparent, err := strconv.Atoi(fields["transparent"])
		if err != nil {
			return ColorModelInfo{}, fmt.Errorf("parsing transparent index: %w", err)
		}
		palette, err := hex.DecodeString(fields["palette"])
		if err != nil {
			return ColorModelInfo{}, fmt.Errorf("parsing palette: %w", err)
		}
		return NewIndexColorModel(palette, transparent, TransferType(fields["transfer"])), nil
	}

	return ColorModelInfo{}, &ValidationError{
		Field:      "color_model",
		Value:      s,
		Constraint: "component|index",
		Message:    "unknown color model kind",
	}
}

// SampleModel describes the sample layout of a raster.
type SampleModel struct {
	Bands    int
	DataType TransferType
	TileW    int
	TileH    int
}
