package main

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"

	"github.com/sugarme/deeplab/deeplab"
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(ext) {
	case ".png":
		return png.Decode(f)
	case ".jpg", ".jpeg":
		return jpeg.Decode(f)
	case ".tiff", ".tif":
		return tiff.Decode(f)
	default:
		err = fmt.Errorf("Unsupported image format: %v\n", ext)
		return nil, err
	}
}

// imageToTensor converts an image to a [1 3 H W] float tensor in [0, 1].
func imageToTensor(img image.Image) *ts.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	vals := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			vals[i] = float32(r) / 0xffff
			vals[plane+i] = float32(g) / 0xffff
			vals[2*plane+i] = float32(bl) / 0xffff
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, 3, int64(h), int64(w)}, true)
}

// logitToMask converts [1 C H W] logits to a gray mask. A single class is
// thresholded at logit 0 (probability 0.5), otherwise the arg-max class is
// spread over the gray range.
func logitToMask(logit *ts.Tensor) *image.Gray {
	size := logit.MustSize()
	c, h, w := int(size[1]), int(size[2]), int(size[3])
	cpu := logit.MustTo(gotch.CPU, false)
	vals := cpu.Float64Values()
	cpu.MustDrop()
	plane := h * w

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		var level uint8
		if c == 1 {
			if vals[i] > 0 {
				level = 255
			}
		} else {
			best := 0
			for k := 1; k < c; k++ {
				if vals[k*plane+i] > vals[best*plane+i] {
					best = k
				}
			}
			level = uint8(best * 255 / (c - 1))
		}
		mask.SetGray(i%w, i/w, color.Gray{Y: level})
	}

	return mask
}

func runPredictImage(net *deeplab.DeepLabV3, path string) {
	img, err := readImage(path)
	if err != nil {
		log.Fatal(err)
	}
	bounds := img.Bounds()

	input := resize.Resize(uint(ImageSize), uint(ImageSize), img, resize.Lanczos3)
	x := imageToTensor(input).MustTo(Device, true)

	var mask *image.Gray
	ts.NoGrad(func() {
		logit := net.ForwardT(x, false)
		mask = logitToMask(logit)
		logit.MustDrop()
	})
	x.MustDrop()

	// back to the original resolution
	full := image.NewGray(bounds)
	draw.BiLinear.Scale(full, bounds, mask, mask.Bounds(), draw.Src, nil)

	if err := os.MkdirAll(OutputPath, 0755); err != nil {
		log.Fatal(err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	maskPath := filepath.Join(OutputPath, name+"_mask.png")
	if err := imaging.Save(full, maskPath); err != nil {
		log.Fatal(err)
	}

	overlay := imaging.Overlay(img, imaging.Grayscale(full), bounds.Min, 0.5)
	overlayPath := filepath.Join(OutputPath, name+"_overlay.png")
	if err := imaging.Save(overlay, overlayPath); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Saved %v and %v\n", maskPath, overlayPath)
}
