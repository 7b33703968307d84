package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ConvNormRelu is `relu(norm(conv(x)))` with a bias-free, stride-1, dilated
// convolution. Weights are He-initialized at construction.
type ConvNormRelu struct {
	Conv *nn.Conv2D
	Norm Norm

	CIn        int64
	COut       int64
	KernelSize int64
	Padding    int64
	Dilation   int64
}

// NewConvNormRelu creates ConvNormRelu with conv variables under convP and
// normalization variables under normP.
func NewConvNormRelu(convP, normP *nn.Path, cIn, cOut, ksize, padding, dilation int64, norm NormFactory) *ConvNormRelu {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}
	config.WsInit = KaimingNormalInit(cIn * ksize * ksize)

	return &ConvNormRelu{
		Conv:       nn.NewConv2D(convP, cIn, cOut, ksize, config),
		Norm:       norm.New(normP, cOut),
		CIn:        cIn,
		COut:       cOut,
		KernelSize: ksize,
		Padding:    padding,
		Dilation:   dilation,
	}
}

// ForwardT implements ts.ModuleT.
func (c *ConvNormRelu) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	conv := c.Conv.ForwardT(x, train)
	norm := c.Norm.ForwardT(conv, train)
	conv.MustDrop()

	return norm.MustRelu(true)
}

// ResetParameters re-runs weight initialization. Shapes are unchanged.
func (c *ConvNormRelu) ResetParameters() {
	KaimingNormal(c.Conv)
	c.Norm.ResetParameters()
}

// OutSize returns the spatial size this unit produces for an input size.
func (c *ConvNormRelu) OutSize(in int64) (int64, error) {
	return ConvOutSize(in, c.KernelSize, c.Padding, 1, c.Dilation)
}
