package visual

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
)

// ColorStats summarizes the sampled pixels of one raster.
type ColorStats struct {
	Sampled    int
	Background int
	Green      int
	GreenRatio float64
	Dominant   string
}

// ParseHexColor parses "#rrggbb" (or "rrggbb").
func ParseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q must be #rrggbb", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// HexColor renders c as "#rrggbb".
func HexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// SampleColors walks every stride-th pixel in both axes. The green ratio is taken over all
// sampled pixels; the dominant color ignores background pixels and is quantized to 16 levels.
func SampleColors(img image.Image, cfg Config) ColorStats {
	stride := cfg.Stride
	if stride <= 0 {
		stride = 1
	}
	bounds := img.Bounds()
	var stats ColorStats
	buckets := make(map[color.RGBA]int)

	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			px := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			stats.Sampled++
			if isGreen(px, cfg.GreenMargin, cfg.GreenFloor) {
				stats.Green++
			}
			if near(px, cfg.background, cfg.Tolerance) {
				stats.Background++
				continue
			}
			buckets[quantize(px)]++
		}
	}

	if stats.Sampled > 0 {
		stats.GreenRatio = float64(stats.Green) / float64(stats.Sampled)
	}
	var best color.RGBA
	bestCount := 0
	for c, n := range buckets {
		if n > bestCount || (n == bestCount && HexColor(c) < HexColor(best)) {
			best, bestCount = c, n
		}
	}
	if bestCount > 0 {
		stats.Dominant = HexColor(best)
	}
	return stats
}

func isGreen(c color.RGBA, margin, floor int) bool {
	r, g, b := int(c.R), int(c.G), int(c.B)
	return g > r+margin && g > b+margin && g >= floor
}

func near(a, b color.RGBA, tolerance int) bool {
	return absDiff(a.R, b.R) <= tolerance &&
		absDiff(a.G, b.G) <= tolerance &&
		absDiff(a.B, b.B) <= tolerance
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func quantize(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.R&0xf0 | 0x08, G: c.G&0xf0 | 0x08, B: c.B&0xf0 | 0x08, A: 0xff}
}
