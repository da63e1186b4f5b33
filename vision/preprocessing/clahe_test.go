package preprocessing

import (
	"image"
	"image/color"
	"testing"
)

// gradientImage ramps intensity along x so the histogram has spread.
func gradientImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestCLAHEPreservesDimensions(t *testing.T) {
	img := gradientImage(64, 48)
	out := CLAHE(img)
	if out.Bounds().Dx() != 64 || out.Bounds().Dy() != 48 {
		t.Errorf("output bounds %v, want 64x48", out.Bounds())
	}
}

func TestCLAHEIsDeterministic(t *testing.T) {
	img := gradientImage(32, 32)
	a := CLAHE(img)
	b := CLAHE(img)
	bounds := a.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ra, ga, ba, _ := a.At(x, y).RGBA()
			rb, gb, bb, _ := b.At(x, y).RGBA()
			if ra != rb || ga != gb || ba != bb {
				t.Fatalf("pixel (%d,%d) differs across identical runs", x, y)
			}
		}
	}
}

func TestCLAHEUniformImageStaysUniform(t *testing.T) {
	img := solidImage(32, 32, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	out := CLAHE(img)

	bounds := out.Bounds()
	first, _, _, _ := out.At(bounds.Min.X, bounds.Min.Y).RGBA()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := out.At(x, y).RGBA()
			if r != first {
				t.Fatalf("uniform input produced non-uniform output at (%d,%d)", x, y)
			}
		}
	}
}

func TestCLAHEStretchesLowContrast(t *testing.T) {
	// A narrow band of intensities should spread out after equalization.
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(120 + (x%8)*2) // values in [120, 134]
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}

	rangeOf := func(im image.Image) uint32 {
		bounds := im.Bounds()
		lo, hi := uint32(1<<16), uint32(0)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, _, _, _ := im.At(x, y).RGBA()
				if r < lo {
					lo = r
				}
				if r > hi {
					hi = r
				}
			}
		}
		return hi - lo
	}

	if got, orig := rangeOf(CLAHE(img)), rangeOf(img); got <= orig {
		t.Errorf("intensity range %d after CLAHE, want wider than input's %d", got, orig)
	}
}

func TestCLAHEWithClampsTileCount(t *testing.T) {
	img := gradientImage(16, 16)
	out := CLAHEWith(img, 4.0, 0)
	if out.Bounds() != img.Bounds() {
		t.Errorf("output bounds %v, want %v", out.Bounds(), img.Bounds())
	}
}
