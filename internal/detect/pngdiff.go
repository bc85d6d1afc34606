package detect

import (
	"bytes"
	"image"
	"image/png"

	"github.com/tphakala/guardian/internal/errors"
)

// PNGDiffer is the default frame differ: decodes both frames as PNG,
// converts to 8-bit luma, and compares pixel-wise.
type PNGDiffer struct{}

// Diff implements Differ. Frames with mismatched dimensions diff as fully
// changed, which the decoder emits on resolution switches.
func (PNGDiffer) Diff(previous, current []byte, pixelThreshold float64) (FrameStats, error) {
	prevLuma, prevW, prevH, err := decodeLuma(previous)
	if err != nil {
		return FrameStats{}, err
	}
	currLuma, currW, currH, err := decodeLuma(current)
	if err != nil {
		return FrameStats{}, err
	}
	if prevW != currW || prevH != currH {
		return FrameStats{MeanDiff: 255, ExceedFraction: 1}, nil
	}

	var sum float64
	var exceed int
	for i := range currLuma {
		d := float64(currLuma[i]) - float64(prevLuma[i])
		if d < 0 {
			d = -d
		}
		sum += d
		if d > pixelThreshold {
			exceed++
		}
	}
	n := float64(len(currLuma))
	if n == 0 {
		return FrameStats{}, nil
	}
	return FrameStats{
		MeanDiff:       sum / n,
		ExceedFraction: float64(exceed) / n,
	}, nil
}

func decodeLuma(frame []byte) (luma []byte, w, h int, err error) {
	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, 0, 0, errors.New(err).
			Component("detect").
			Category(errors.CategoryValidation).
			Context("error", "png decode failed").
			Build()
	}
	bounds := img.Bounds()
	w, h = bounds.Dx(), bounds.Dy()
	luma = make([]byte, 0, w*h)

	if gray, ok := img.(*image.Gray); ok {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := gray.Pix[(y-bounds.Min.Y)*gray.Stride : (y-bounds.Min.Y)*gray.Stride+w]
			luma = append(luma, row...)
		}
		return luma, w, h, nil
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma from 16-bit channels.
			luma = append(luma, byte((299*r+587*g+114*b)/1000>>8))
		}
	}
	return luma, w, h, nil
}
