package inference

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/medvision/pneumoseg/rle"
	"github.com/medvision/pneumoseg/vision/preprocessing"
)

// SubmissionCanvasSize is the fixed canvas the submission format encodes
// masks on.
const SubmissionCanvasSize = 1024

// WriteSubmission writes fused masks as a submission CSV with columns
// ImageId,EncodedPixels. Masks are upscaled to the 1024x1024 canvas and
// run-length encoded in column-major order; an all-negative prediction
// is written as "-1". Returns the number of images with a non-empty
// mask.
func WriteSubmission(w io.Writer, results []Result) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ImageId", "EncodedPixels"}); err != nil {
		return 0, fmt.Errorf("failed to write submission header: %v", err)
	}

	masked := 0
	for _, res := range results {
		mask, err := preprocessing.ResizeMask(res.Mask, SubmissionCanvasSize)
		if err != nil {
			return 0, fmt.Errorf("failed to resize mask for %s: %v", res.ImageID, err)
		}
		encoded, err := rle.Encode(mask)
		if err != nil {
			return 0, fmt.Errorf("failed to encode mask for %s: %v", res.ImageID, err)
		}
		if encoded != rle.EmptyEncoding {
			masked++
		}
		if err := cw.Write([]string{res.ImageID, encoded}); err != nil {
			return 0, fmt.Errorf("failed to write row for %s: %v", res.ImageID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush submission: %v", err)
	}
	return masked, nil
}
