package preprocessing

import (
	"image"
	"image/color"
)

// CLAHE default parameters matching the augmentation the models were
// validated with.
const (
	defaultClipLimit = 4.0
	defaultTileGrid  = 8
)

// CLAHE applies contrast-limited adaptive histogram equalization with the
// default clip limit and tile grid. The transform is pixel-aligned, so
// predictions on a CLAHE view need no inverse transform.
func CLAHE(img image.Image) image.Image {
	return CLAHEWith(img, defaultClipLimit, defaultTileGrid)
}

// CLAHEWith applies CLAHE per channel: the image is divided into a
// tiles x tiles grid, each tile's histogram is clipped at
// clipLimit * (tilePixels/256) with the excess redistributed uniformly,
// and per-pixel lookups bilinearly interpolate between the four
// surrounding tile mappings to avoid block seams. Deterministic.
func CLAHEWith(img image.Image, clipLimit float64, tiles int) image.Image {
	if tiles < 1 {
		tiles = 1
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Extract 8-bit channels.
	chans := [3][]uint8{}
	for c := range chans {
		chans[c] = make([]uint8, w*h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			chans[0][y*w+x] = uint8(r >> 8)
			chans[1][y*w+x] = uint8(g >> 8)
			chans[2][y*w+x] = uint8(b >> 8)
		}
	}

	for c := range chans {
		chans[c] = claheChannel(chans[c], w, h, clipLimit, tiles)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetRGBA(x, y, color.RGBA{
				R: chans[0][y*w+x],
				G: chans[1][y*w+x],
				B: chans[2][y*w+x],
				A: 255,
			})
		}
	}
	return out
}

// claheChannel equalizes one 8-bit channel.
func claheChannel(data []uint8, w, h int, clipLimit float64, tiles int) []uint8 {
	tileW := (w + tiles - 1) / tiles
	tileH := (h + tiles - 1) / tiles

	// Per-tile clipped-histogram lookup tables.
	luts := make([][256]uint8, tiles*tiles)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)

			var hist [256]int
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[data[y*w+x]]++
					count++
				}
			}
			if count == 0 {
				continue
			}

			// Clip and redistribute the excess uniformly.
			limit := int(clipLimit * float64(count) / 256.0)
			if limit < 1 {
				limit = 1
			}
			excess := 0
			for i := range hist {
				if hist[i] > limit {
					excess += hist[i] - limit
					hist[i] = limit
				}
			}
			share := excess / 256
			remainder := excess % 256
			for i := range hist {
				hist[i] += share
				if i < remainder {
					hist[i]++
				}
			}

			// CDF to mapping.
			lut := &luts[ty*tiles+tx]
			cum := 0
			scale := 255.0 / float64(count)
			for i := 0; i < 256; i++ {
				cum += hist[i]
				lut[i] = uint8(float64(cum)*scale + 0.5)
			}
		}
	}

	// Bilinear interpolation between the four surrounding tile mappings.
	out := make([]uint8, len(data))
	for y := 0; y < h; y++ {
		fy := (float64(y)-float64(tileH)/2.0+0.5)/float64(tileH)
		ty0 := int(fy)
		if fy < 0 {
			ty0 = -1
		}
		wy := fy - float64(ty0)
		ty1 := ty0 + 1
		ty0c, ty1c := clampTile(ty0, tiles), clampTile(ty1, tiles)

		for x := 0; x < w; x++ {
			fx := (float64(x)-float64(tileW)/2.0+0.5)/float64(tileW)
			tx0 := int(fx)
			if fx < 0 {
				tx0 = -1
			}
			wx := fx - float64(tx0)
			tx1 := tx0 + 1
			tx0c, tx1c := clampTile(tx0, tiles), clampTile(tx1, tiles)

			v := data[y*w+x]
			tl := float64(luts[ty0c*tiles+tx0c][v])
			tr := float64(luts[ty0c*tiles+tx1c][v])
			bl := float64(luts[ty1c*tiles+tx0c][v])
			br := float64(luts[ty1c*tiles+tx1c][v])

			top := tl*(1-wx) + tr*wx
			bottom := bl*(1-wx) + br*wx
			out[y*w+x] = uint8(top*(1-wy) + bottom*wy + 0.5)
		}
	}
	return out
}

func clampTile(t, tiles int) int {
	if t < 0 {
		return 0
	}
	if t >= tiles {
		return tiles - 1
	}
	return t
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
