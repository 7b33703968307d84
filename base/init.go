package base

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// kaimingNormal draws weights from N(0, std) with std = sqrt(2/fanIn).
// Same as torch.nn.init.kaiming_normal_ with its defaults.
type kaimingNormal struct {
	std float64
}

// KaimingNormalInit returns a He normal initializer for a layer with the
// given fan-in.
func KaimingNormalInit(fanIn int64) nn.Init {
	return kaimingNormal{std: math.Sqrt(2.0 / float64(fanIn))}
}

// InitTensor implements nn.Init.
func (k kaimingNormal) InitTensor(dims []int64, device gotch.Device) *ts.Tensor {
	x := ts.MustRandn(dims, gotch.Float, device)
	return x.MustMul1(ts.FloatScalar(k.std), true)
}

// Set implements nn.Init. It re-draws tensor values in place.
func (k kaimingNormal) Set(tensor *ts.Tensor) {
	ts.NoGrad(func() {
		tensor.MustNormal_(0.0, k.std)
	})
}

// FanIn returns the fan-in of a conv weight shaped [cOut, cIn/groups, kh, kw].
func FanIn(ws *ts.Tensor) int64 {
	dims := ws.MustSize()
	fanIn := int64(1)
	for _, d := range dims[1:] {
		fanIn *= d
	}
	return fanIn
}

// KaimingNormal re-draws conv weights in place.
func KaimingNormal(conv *nn.Conv2D) {
	KaimingNormalInit(FanIn(conv.Ws)).Set(conv.Ws)
}

// ResetNorm sets normalization scale to 1 and shift to 0 in place.
func ResetNorm(ws, bs *ts.Tensor) {
	ts.NoGrad(func() {
		nn.NewConstInit(1.0).Set(ws)
		nn.NewConstInit(0.0).Set(bs)
	})
}
