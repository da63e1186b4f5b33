// Package rle encodes binary masks as run-length strings and back.
// Pixels are numbered column-major (the mask is walked down each column,
// left to right) over a fixed-size canvas, matching the submission
// format's transposed ordering.
package rle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/medvision/pneumoseg/tensor"
)

// EmptyEncoding marks an all-negative mask in a submission row.
const EmptyEncoding = "-1"

// Encode converts a [H W] binary mask into an RLE string of alternating
// "start length" pairs with 1-based column-major pixel positions. An
// all-zero mask encodes to EmptyEncoding.
func Encode(mask *tensor.Tensor) (string, error) {
	if len(mask.Shape) != 2 {
		return "", fmt.Errorf("rle encode expects a rank-2 mask, got shape %v", mask.Shape)
	}
	h, w := mask.Shape[0], mask.Shape[1]

	var b strings.Builder
	runStart := -1
	runLen := 0
	pos := 0 // 0-based column-major position
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			on := mask.Data[y*w+x] != 0
			if on {
				if runStart < 0 {
					runStart = pos + 1
					runLen = 1
				} else {
					runLen++
				}
			} else if runStart >= 0 {
				writeRun(&b, runStart, runLen)
				runStart = -1
			}
			pos++
		}
	}
	if runStart >= 0 {
		writeRun(&b, runStart, runLen)
	}

	if b.Len() == 0 {
		return EmptyEncoding, nil
	}
	return b.String(), nil
}

func writeRun(b *strings.Builder, start, length int) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(strconv.Itoa(start))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(length))
}

// Decode converts an RLE string back into a [height width] binary mask.
// EmptyEncoding (and the empty string) decode to an all-zero mask.
func Decode(encoded string, height, width int) (*tensor.Tensor, error) {
	mask, err := tensor.Zeros([]int{height, width})
	if err != nil {
		return nil, err
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" || encoded == EmptyEncoding {
		return mask, nil
	}

	fields := strings.Fields(encoded)
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("rle string has odd token count %d", len(fields))
	}
	total := height * width
	for i := 0; i < len(fields); i += 2 {
		start, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid run start %q: %v", fields[i], err)
		}
		length, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil, fmt.Errorf("invalid run length %q: %v", fields[i+1], err)
		}
		if start < 1 || length < 0 || start-1+length > total {
			return nil, fmt.Errorf("run [%d, %d) exceeds %dx%d canvas", start, start+length, height, width)
		}
		for p := start - 1; p < start-1+length; p++ {
			// Column-major position back to row-major indices.
			x := p / height
			y := p % height
			mask.Data[y*width+x] = 1
		}
	}
	return mask, nil
}
