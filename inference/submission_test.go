package inference

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/medvision/pneumoseg/rle"
	"github.com/medvision/pneumoseg/tensor"
)

func TestWriteSubmission(t *testing.T) {
	empty, err := tensor.Zeros([]int{4, 4})
	if err != nil {
		t.Fatal(err)
	}
	full, err := tensor.Full([]int{4, 4}, 1)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	masked, err := WriteSubmission(&buf, []Result{
		{ImageID: "img_empty", Mask: empty},
		{ImageID: "img_full", Mask: full},
	})
	if err != nil {
		t.Fatalf("WriteSubmission failed: %v", err)
	}
	if masked != 1 {
		t.Errorf("masked count = %d, want 1", masked)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus 2", len(rows))
	}
	if rows[0][0] != "ImageId" || rows[0][1] != "EncodedPixels" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "img_empty" || rows[1][1] != rle.EmptyEncoding {
		t.Errorf("empty mask row = %v", rows[1])
	}

	// The full mask covers the whole upscaled 1024x1024 canvas in one run.
	wantFull := "1 1048576"
	if rows[2][1] != wantFull {
		t.Errorf("full mask encoding = %q, want %q", rows[2][1], wantFull)
	}
}

func TestWriteSubmissionUpscalesToCanvas(t *testing.T) {
	// A mask positive only in the top-left quadrant keeps that quadrant
	// after nearest-neighbor upscaling to the 1024 canvas.
	quad, err := tensor.Zeros([]int{2, 2})
	if err != nil {
		t.Fatal(err)
	}
	quad.Data[0] = 1

	var buf bytes.Buffer
	if _, err := WriteSubmission(&buf, []Result{{ImageID: "q", Mask: quad}}); err != nil {
		t.Fatalf("WriteSubmission failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := rle.Decode(rows[1][1], SubmissionCanvasSize, SubmissionCanvasSize)
	if err != nil {
		t.Fatalf("round-trip decode failed: %v", err)
	}
	wantPixels := float64(SubmissionCanvasSize / 2 * SubmissionCanvasSize / 2)
	if decoded.Sum() != wantPixels {
		t.Errorf("decoded quadrant has %v pixels, want %v", decoded.Sum(), wantPixels)
	}
	// Top-left corner positive, bottom-right negative.
	if decoded.Data[0] != 1 {
		t.Error("top-left corner lost its mask")
	}
	last := SubmissionCanvasSize*SubmissionCanvasSize - 1
	if decoded.Data[last] != 0 {
		t.Error("bottom-right corner gained a mask")
	}
}

func TestWriteSubmissionRejectsBadMask(t *testing.T) {
	bad, err := tensor.Zeros([]int{1, 2, 2})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := WriteSubmission(&buf, []Result{{ImageID: "bad", Mask: bad}}); err == nil {
		t.Error("expected error for rank-3 mask")
	}
	if strings.Contains(buf.String(), "bad,") {
		t.Error("partial row written despite the error")
	}
}
