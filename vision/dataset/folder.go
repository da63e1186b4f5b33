// Package dataset provides thin filesystem-backed sample sources for the
// training loader and the inference pipeline.
package dataset

import (
	"encoding/csv"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/medvision/pneumoseg/tensor"
	"github.com/medvision/pneumoseg/vision/preprocessing"
)

// SegmentationFolder is a training dataset reading (image, mask) pairs
// from two directories matched by base filename. Images are resized to
// the stage resolution and normalized; masks are binarized.
type SegmentationFolder struct {
	imageDir string
	maskDir  string
	size     int
	names    []string
}

// NewSegmentationFolder scans imageDir for samples. Every image must
// have a mask of the same base name under maskDir.
func NewSegmentationFolder(imageDir, maskDir string, size int) (*SegmentationFolder, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory %s: %v", imageDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", imageDir)
	}
	sort.Strings(names)
	return &SegmentationFolder{imageDir: imageDir, maskDir: maskDir, size: size, names: names}, nil
}

// Len returns the number of samples.
func (d *SegmentationFolder) Len() int {
	return len(d.names)
}

// Get loads one sample: image [3 S S] normalized, mask [1 S S] binary.
func (d *SegmentationFolder) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	name := d.names[idx]
	img, err := imaging.Open(filepath.Join(d.imageDir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image %s: %v", name, err)
	}
	imgT, err := preprocessing.ToTensor(
		preprocessing.Resize(img, d.size),
		preprocessing.ImageNetMean, preprocessing.ImageNetStd)
	if err != nil {
		return nil, nil, err
	}
	imgT, err = imgT.Reshape([]int{3, d.size, d.size})
	if err != nil {
		return nil, nil, err
	}

	maskImg, err := imaging.Open(filepath.Join(d.maskDir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mask %s: %v", name, err)
	}
	maskT, err := maskToTensor(imaging.Resize(maskImg, d.size, d.size, imaging.NearestNeighbor), d.size)
	if err != nil {
		return nil, nil, err
	}
	return imgT, maskT, nil
}

// maskToTensor binarizes a grayscale mask image into [1 S S].
func maskToTensor(img image.Image, size int) (*tensor.Tensor, error) {
	out, err := tensor.Zeros([]int{1, size, size})
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if r > 0x7FFF {
				out.Data[y*size+x] = 1
			}
		}
	}
	return out, nil
}

// LabeledImageFolder serves validation images together with their
// ground-truth masks, binarized at the ensemble output resolution.
type LabeledImageFolder struct {
	imageDir string
	maskDir  string
	size     int
	names    []string
}

// NewLabeledImageFolder scans imageDir the way NewSegmentationFolder
// does; size is the resolution masks are compared at.
func NewLabeledImageFolder(imageDir, maskDir string, size int) (*LabeledImageFolder, error) {
	folder, err := NewSegmentationFolder(imageDir, maskDir, size)
	if err != nil {
		return nil, err
	}
	return &LabeledImageFolder{imageDir: imageDir, maskDir: maskDir, size: size, names: folder.names}, nil
}

// Len returns the number of samples.
func (d *LabeledImageFolder) Len() int {
	return len(d.names)
}

// Get opens the idx-th image without resizing; the predictor owns the
// input resolution.
func (d *LabeledImageFolder) Get(idx int) (string, image.Image, error) {
	name := d.names[idx]
	img, err := imaging.Open(filepath.Join(d.imageDir, name))
	if err != nil {
		return "", nil, fmt.Errorf("failed to open image %s: %v", name, err)
	}
	return strings.TrimSuffix(name, filepath.Ext(name)), img, nil
}

// Mask loads the idx-th ground-truth mask as a binary [1 S S] tensor.
func (d *LabeledImageFolder) Mask(idx int) (*tensor.Tensor, error) {
	name := d.names[idx]
	maskImg, err := imaging.Open(filepath.Join(d.maskDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open mask %s: %v", name, err)
	}
	return maskToTensor(imaging.Resize(maskImg, d.size, d.size, imaging.NearestNeighbor), d.size)
}

// CSVImageSource is an inference image source driven by a sample
// submission CSV: one image per ImageId row, loaded from a directory.
type CSVImageSource struct {
	ids []string
	dir string
	ext string
}

// NewCSVImageSource reads ImageId values from the first column of
// csvPath (skipping the header) and serves images from dir.
func NewCSVImageSource(csvPath, dir, ext string) (*CSVImageSource, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample csv %s: %v", csvPath, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse sample csv %s: %v", csvPath, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("sample csv %s has no data rows", csvPath)
	}
	ids := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		ids = append(ids, strings.TrimSpace(row[0]))
	}
	if ext == "" {
		ext = ".jpg"
	}
	return &CSVImageSource{ids: ids, dir: dir, ext: ext}, nil
}

// Len returns the number of images.
func (s *CSVImageSource) Len() int {
	return len(s.ids)
}

// Get opens the idx-th image.
func (s *CSVImageSource) Get(idx int) (string, image.Image, error) {
	id := s.ids[idx]
	img, err := imaging.Open(filepath.Join(s.dir, id+s.ext))
	if err != nil {
		return "", nil, fmt.Errorf("failed to open test image %s: %v", id, err)
	}
	return id, img, nil
}
