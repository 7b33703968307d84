package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// NewSegmentationHead creates a classifier conv (padding ksize/2) followed by
// bilinear upsampling when upsampling > 1.
func NewSegmentationHead(p *nn.Path, cIn, cOut, ksize, upsampling int64) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(Conv2d(p, cIn, cOut, ksize, ksize/2, 1))
	if upsampling > 1 {
		seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			size := xs.MustSize()
			outSize := []int64{size[2] * upsampling, size[3] * upsampling}
			return xs.MustUpsampleBilinear2d(outSize, false, nil, nil, false)
		}))
	}

	return seq
}
