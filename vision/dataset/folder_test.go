package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int, bright bool) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	v := uint8(0)
	if bright {
		v = 255
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

func writeSamplePair(t *testing.T, imageDir, maskDir, name string, maskBright bool) {
	t.Helper()
	writePNG(t, filepath.Join(imageDir, name), 8, 8, true)
	writePNG(t, filepath.Join(maskDir, name), 8, 8, maskBright)
}

func TestLabeledImageFolder(t *testing.T) {
	imageDir, maskDir := t.TempDir(), t.TempDir()
	writeSamplePair(t, imageDir, maskDir, "b.png", true)
	writeSamplePair(t, imageDir, maskDir, "a.png", false)

	src, err := NewLabeledImageFolder(imageDir, maskDir, 4)
	if err != nil {
		t.Fatalf("NewLabeledImageFolder failed: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", src.Len())
	}

	id, img, err := src.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	if id != "a" {
		t.Errorf("Get(0) id = %q, want %q", id, "a")
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("image bounds %v, want 8x8 source resolution", b)
	}

	mask, err := src.Mask(0)
	if err != nil {
		t.Fatalf("Mask(0) failed: %v", err)
	}
	want := []int{1, 4, 4}
	for i, d := range want {
		if mask.Shape[i] != d {
			t.Fatalf("mask shape %v, want %v", mask.Shape, want)
		}
	}
	if mask.Sum() != 0 {
		t.Errorf("dark mask sum = %v, want 0", mask.Sum())
	}

	mask, err = src.Mask(1)
	if err != nil {
		t.Fatalf("Mask(1) failed: %v", err)
	}
	if mask.Sum() != 16 {
		t.Errorf("bright mask sum = %v, want every pixel positive", mask.Sum())
	}
}

func TestSegmentationFolder(t *testing.T) {
	imageDir, maskDir := t.TempDir(), t.TempDir()
	writeSamplePair(t, imageDir, maskDir, "b.png", true)
	writeSamplePair(t, imageDir, maskDir, "a.png", false)

	ds, err := NewSegmentationFolder(imageDir, maskDir, 4)
	if err != nil {
		t.Fatalf("NewSegmentationFolder failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ds.Len())
	}

	// Samples come back in sorted name order: a.png first, with its
	// all-dark mask.
	img, mask, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	wantImg := []int{3, 4, 4}
	for i, d := range wantImg {
		if img.Shape[i] != d {
			t.Fatalf("image shape %v, want %v", img.Shape, wantImg)
		}
	}
	wantMask := []int{1, 4, 4}
	for i, d := range wantMask {
		if mask.Shape[i] != d {
			t.Fatalf("mask shape %v, want %v", mask.Shape, wantMask)
		}
	}
	if mask.Sum() != 0 {
		t.Errorf("dark mask sum = %v, want 0", mask.Sum())
	}

	_, mask, err = ds.Get(1)
	if err != nil {
		t.Fatalf("Get(1) failed: %v", err)
	}
	if mask.Sum() != 16 {
		t.Errorf("bright mask sum = %v, want every pixel positive", mask.Sum())
	}
}

func TestSegmentationFolderSkipsNonImages(t *testing.T) {
	imageDir, maskDir := t.TempDir(), t.TempDir()
	writeSamplePair(t, imageDir, maskDir, "a.png", false)
	if err := os.WriteFile(filepath.Join(imageDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := NewSegmentationFolder(imageDir, maskDir, 4)
	if err != nil {
		t.Fatalf("NewSegmentationFolder failed: %v", err)
	}
	if ds.Len() != 1 {
		t.Errorf("Len() = %d with a stray text file present, want 1", ds.Len())
	}
}

func TestSegmentationFolderEmptyDirectory(t *testing.T) {
	if _, err := NewSegmentationFolder(t.TempDir(), t.TempDir(), 4); err == nil {
		t.Error("expected error for a directory with no images")
	}
}

func TestSegmentationFolderMissingMask(t *testing.T) {
	imageDir, maskDir := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(imageDir, "a.png"), 8, 8, true)

	ds, err := NewSegmentationFolder(imageDir, maskDir, 4)
	if err != nil {
		t.Fatalf("NewSegmentationFolder failed: %v", err)
	}
	if _, _, err := ds.Get(0); err == nil {
		t.Error("expected error for a sample with no mask file")
	}
}

func TestCSVImageSource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "case1.png"), 8, 8, true)
	writePNG(t, filepath.Join(dir, "case2.png"), 8, 8, false)

	csvPath := filepath.Join(t.TempDir(), "sample.csv")
	content := "ImageId,EncodedPixels\ncase1,-1\ncase2,-1\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewCSVImageSource(csvPath, dir, ".png")
	if err != nil {
		t.Fatalf("NewCSVImageSource failed: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", src.Len())
	}

	id, img, err := src.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	if id != "case1" {
		t.Errorf("id = %q, want case1", id)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("image width = %d, want 8", img.Bounds().Dx())
	}

	if _, _, err := src.Get(1); err != nil {
		t.Errorf("Get(1) failed: %v", err)
	}
}

func TestCSVImageSourceMissingImage(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "sample.csv")
	if err := os.WriteFile(csvPath, []byte("ImageId,EncodedPixels\nghost,-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := NewCSVImageSource(csvPath, t.TempDir(), ".png")
	if err != nil {
		t.Fatalf("NewCSVImageSource failed: %v", err)
	}
	if _, _, err := src.Get(0); err == nil {
		t.Error("expected error for a missing image file")
	}
}

func TestCSVImageSourceRejectsHeaderOnly(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "sample.csv")
	if err := os.WriteFile(csvPath, []byte("ImageId,EncodedPixels\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCSVImageSource(csvPath, t.TempDir(), ".png"); err == nil {
		t.Error("expected error for a csv with no data rows")
	}
}
