package nodes

import (
	"image"
	"image/color"
)

// OpacityInput is the scalar input of the opacity nodes.
type OpacityInput struct {
	Opacity float64 `json:"opacity" jsonschema:"title=Opacity,minimum=0,maximum=1,default=1"`
}

// ImageTimesOpacity multiplies the alpha of every image by an opacity, so
// that a fetched layer's opacity can be applied downstream.
type ImageTimesOpacity struct{}

// Execute scales each image.
func (ImageTimesOpacity) Execute(in OpacityInput, images []image.Image) []image.Image {
	out := make([]image.Image, 0, len(images))
	for _, img := range images {
		out = append(out, ScaleOpacity(img, in.Opacity))
	}
	return out
}

// MaskTimesOpacity multiplies every mask value by an opacity.
type MaskTimesOpacity struct{}

// Execute scales each mask.
func (MaskTimesOpacity) Execute(in OpacityInput, masks []*image.Gray) []*image.Gray {
	out := make([]*image.Gray, 0, len(masks))
	for _, m := range masks {
		out = append(out, ScaleMask(m, in.Opacity))
	}
	return out
}

// ScaleOpacity returns a copy of img with every pixel's alpha multiplied by
// opacity, clamped to [0, 1]. It is applied to fetched layers so that their
// opacity survives compositing in the graph.
func ScaleOpacity(img image.Image, opacity float64) *image.NRGBA {
	opacity = clamp01(opacity)
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = uint8(float64(c.A)*opacity + 0.5)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// ScaleMask returns a copy of mask with every value multiplied by opacity.
func ScaleMask(mask *image.Gray, opacity float64) *image.Gray {
	opacity = clamp01(opacity)
	b := mask.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := mask.GrayAt(x, y).Y
			out.Pix[out.PixOffset(x, y)] = uint8(float64(v)*opacity + 0.5)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
