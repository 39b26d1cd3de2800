package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // gif decoder
	_ "image/jpeg" // jpeg decoder
	_ "image/png"  // png decoder
	"math"
	"os"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // tiff decoder

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// decodeConfig reads the dimensions and color model of an image file.
func decodeConfig(path string) (image.Config, string, error) {
	f, err := os.Open(path) //#nosec G304 -- granule paths come from the walker
	if err != nil {
		return image.Config{}, "", err
	}
	defer func() { _ = f.Close() }()
	return image.DecodeConfig(f)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path) //#nosec G304 -- granule paths come from the walker
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// colorModelInfo describes a Go color model.
func colorModelInfo(m color.Model) domain.ColorModelInfo {
	if p, ok := m.(color.Palette); ok {
		buf := make([]byte, 0, 4*len(p))
		transparent := -1
		for i, c := range p {
			n := color.NRGBAModel.Convert(c).(color.NRGBA)
			buf = append(buf, n.R, n.G, n.B, n.A)
			if n.A == 0 && transparent < 0 {
				transparent = i
			}
		}
		return domain.NewIndexColorModel(buf, transparent, domain.TransferByte)
	}

	switch m {
	case color.GrayModel:
		return domain.NewComponentColorModel(1, false, "GRAY", domain.TransferByte)
	case color.Gray16Model:
		return domain.NewComponentColorModel(1, false, "GRAY", domain.TransferUShort)
	case color.RGBA64Model, color.NRGBA64Model:
		return domain.NewComponentColorModel(4, true, "RGB", domain.TransferUShort)
	case color.YCbCrModel:
		return domain.NewComponentColorModel(3, false, "RGB", domain.TransferByte)
	case color.CMYKModel:
		return domain.NewComponentColorModel(4, false, "CMYK", domain.TransferByte)
	default:
		return domain.NewComponentColorModel(4, true, "RGB", domain.TransferByte)
	}
}

func sampleModel(cm domain.ColorModelInfo, w, h int) domain.SampleModel {
	bands := cm.Bands
	if cm.Kind == domain.IndexColorModel {
		bands = 1
	}
	return domain.SampleModel{Bands: bands, DataType: cm.TransferType, TileW: w, TileH: h}
}

// renderRegion scales the part of src that covers region into a new image.
// srcEnv is the envelope covered by the whole of src.
func renderRegion(src image.Image, srcEnv domain.Envelope, region output.Region) (image.Image, error) {
	area := srcEnv.Intersection(region.Envelope)
	if area.IsEmpty() {
		return nil, fmt.Errorf("region %s does not intersect %s: %w", region.Envelope, srcEnv, domain.ErrInvalidInput)
	}

	b := src.Bounds()
	sx := float64(b.Dx()) / srcEnv.Width()
	sy := float64(b.Dy()) / srcEnv.Height()

	srcRect := image.Rect(
		b.Min.X+int(math.Floor((area.MinX()-srcEnv.MinX())*sx)),
		b.Min.Y+int(math.Floor((srcEnv.MaxY()-area.MaxY())*sy)),
		b.Min.X+int(math.Ceil((area.MaxX()-srcEnv.MinX())*sx)),
		b.Min.Y+int(math.Ceil((srcEnv.MaxY()-area.MinY())*sy)),
	).Intersect(b)
	if srcRect.Empty() {
		return nil, fmt.Errorf("region %s is smaller than a pixel: %w", region.Envelope, domain.ErrInvalidInput)
	}

	w, h := region.Width, region.Height
	if w <= 0 || h <= 0 {
		w, h = srcRect.Dx(), srcRect.Dy()
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, srcRect, xdraw.Src, nil)
	return dst, nil
}
