package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"golang.org/x/image/draw"
)

// ImageNet channel statistics used to normalize frames.
var (
	Mean   = [3]float64{0.485, 0.456, 0.406}
	Stddev = [3]float64{0.229, 0.224, 0.225}
)

// LoadFrame decodes a PNG or JPEG image, resizes it to
// width×height and converts it to a normalized tensor.
func LoadFrame(c anyvec.Creator, path string, width, height int) (anyvec.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, essentials.AddCtx("load frame", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, essentials.AddCtx("load frame "+path, err)
	}
	return Normalize(ImageToTensor(c, Resize(img, width, height))), nil
}

// Resize scales an image to width×height with bilinear
// interpolation.
// Images that already have the right size are returned
// as they are.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	res := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(res, res.Bounds(), img, b, draw.Src, nil)
	return res
}

// ImageToTensor converts an image to a height×width×3
// tensor of RGB values between 0 and 1.
func ImageToTensor(c anyvec.Creator, img image.Image) anyvec.Vector {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	minX := img.Bounds().Min.X
	minY := img.Bounds().Min.Y

	res := make([]float64, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(minX+x, minY+y).RGBA()
			res = append(res, float64(r)/0xffff, float64(g)/0xffff, float64(b)/0xffff)
		}
	}
	return c.MakeVectorData(c.MakeNumericList(res))
}

// Normalize subtracts Mean from every channel and divides
// it by Stddev, in place.
// It returns its argument.
func Normalize(v anyvec.Vector) anyvec.Vector {
	c := v.Creator()
	scales := make([]float64, 3)
	biases := make([]float64, 3)
	for i := range scales {
		scales[i] = 1 / Stddev[i]
		biases[i] = -Mean[i] / Stddev[i]
	}
	anyvec.ScaleRepeated(v, c.MakeVectorData(c.MakeNumericList(scales)))
	anyvec.AddRepeated(v, c.MakeVectorData(c.MakeNumericList(biases)))
	return v
}
