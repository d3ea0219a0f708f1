package model

import (
	"image"

	"github.com/nfnt/resize"
)

// Preprocessor turns a decoded image into the network's input tensor:
// shorter side resized to ResizeSize, centre crop of CropSize, values
// scaled to [0,1] and normalised per channel, laid out CHW.
type Preprocessor struct {
	resizeSize int
	cropSize   int
	mean       [3]float32
	std        [3]float32
}

func NewPreprocessor(meta *Metadata) *Preprocessor {
	return &Preprocessor{
		resizeSize: meta.ResizeSize,
		cropSize:   meta.CropSize,
		mean:       meta.Mean,
		std:        meta.Std,
	}
}

func (p *Preprocessor) Apply(img image.Image) []float32 {
	b := img.Bounds()
	var resized image.Image
	if b.Dx() <= b.Dy() {
		resized = resize.Resize(uint(p.resizeSize), 0, img, resize.Bilinear)
	} else {
		resized = resize.Resize(0, uint(p.resizeSize), img, resize.Bilinear)
	}

	rb := resized.Bounds()
	x0 := rb.Min.X + (rb.Dx()-p.cropSize)/2
	y0 := rb.Min.Y + (rb.Dy()-p.cropSize)/2

	size := p.cropSize
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// RGBA is premultiplied; decoded photos are opaque so this is plain RGB.
			r, g, bl, _ := resized.At(x0+x, y0+y).RGBA()
			i := y*size + x
			out[i] = (float32(r>>8)/255 - p.mean[0]) / p.std[0]
			out[plane+i] = (float32(g>>8)/255 - p.mean[1]) / p.std[1]
			out[2*plane+i] = (float32(bl>>8)/255 - p.mean[2]) / p.std[2]
		}
	}
	return out
}
