package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/deeplab/base"
)

// ResNetEncoder is a ResNet18/34 feature extractor whose last stages trade
// stride for dilation to reach the requested output stride.
type ResNetEncoder struct {
	layer0 ts.ModuleT
	layer1 ts.ModuleT
	layer2 ts.ModuleT
	layer3 ts.ModuleT
	layer4 ts.ModuleT

	outputStride int64
}

// ForwardAll implements Encoder interface for ResNetEncoder
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	xn := rgbNormalize(x)
	x0 := e.layer0.ForwardT(xn, train)
	x1 := e.layer1.ForwardT(x0, train)
	x2 := e.layer2.ForwardT(x1, train)
	x3 := e.layer3.ForwardT(x2, train)
	x4 := e.layer4.ForwardT(x3, train)

	return []*ts.Tensor{xn, x0, x1, x2, x3, x4}
}

// Channels implements Encoder interface for ResNetEncoder.
func (e *ResNetEncoder) Channels() []int64 {
	return []int64{3, 64, 64, 128, 256, 512}
}

// OutputStride returns the ratio of input size to last feature map size.
func (e *ResNetEncoder) OutputStride() int64 {
	return e.outputStride
}

// stageDilations returns (stride, dilation) for layer1..layer4.
func stageDilations(outputStride int64) ([4][2]int64, error) {
	switch outputStride {
	case 32:
		return [4][2]int64{{1, 1}, {2, 1}, {2, 1}, {2, 1}}, nil
	case 16:
		return [4][2]int64{{1, 1}, {2, 1}, {2, 1}, {1, 2}}, nil
	case 8:
		return [4][2]int64{{1, 1}, {2, 1}, {1, 2}, {1, 4}}, nil
	default:
		return [4][2]int64{}, fmt.Errorf("encoder: unsupported output stride %d (expected 8, 16 or 32)", outputStride)
	}
}

func newResNetEncoder(p *nn.Path, blocks [4]int64, outputStride int64, norm base.NormFactory) (*ResNetEncoder, error) {
	stages, err := stageDilations(outputStride)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		norm = base.DefaultBatchNorm2d()
	}

	channels := []int64{64, 64, 128, 256, 512}
	var layers [4]ts.ModuleT
	for i := 0; i < 4; i++ {
		stride, dilation := stages[i][0], stages[i][1]
		name := fmt.Sprintf("layer%d", i+1)
		layers[i] = basicLayer(p.Sub(name), channels[i], channels[i+1], stride, dilation, blocks[i], norm)
	}

	return &ResNetEncoder{
		layer0:       layerZero(p, norm), // NOTE. `conv1` and `bn1` are at root of pretrained model
		layer1:       layers[0],
		layer2:       layers[1],
		layer3:       layers[2],
		layer4:       layers[3],
		outputStride: outputStride,
	}, nil
}

// NewResNet18Encoder creates a ResNet18 encoder.
func NewResNet18Encoder(p *nn.Path, outputStride int64, norm base.NormFactory) (*ResNetEncoder, error) {
	return newResNetEncoder(p, [4]int64{2, 2, 2, 2}, outputStride, norm)
}

// NewResNet34Encoder creates a ResNet34 encoder.
func NewResNet34Encoder(p *nn.Path, outputStride int64, norm base.NormFactory) (*ResNetEncoder, error) {
	return newResNetEncoder(p, [4]int64{3, 4, 6, 3}, outputStride, norm)
}

func rgbNormalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	device := x.MustDevice()
	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)

	// x = (x - mean)/sd
	n := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

func layerZero(p *nn.Path, norm base.NormFactory) ts.ModuleT {
	conv1 := base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2, 1)
	bn1 := norm.New(p.Sub("bn1"), 64)
	layer0 := nn.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return layer0
}

// basicLayer stacks `cnt` basic blocks. A dilated layer keeps stride 1.
func basicLayer(path *nn.Path, cIn, cOut, stride, dilation, cnt int64, norm base.NormFactory) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBasicBlock(path.Sub("0"), cIn, cOut, stride, dilation, norm))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1, dilation, norm))
	}

	return layer
}

func downSample(path *nn.Path, cIn, cOut, stride int64, norm base.NormFactory) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride, 1))
		seq.Add(norm.New(path.Sub("1"), cOut))

		return seq
	}
	return base.NewIdentity()
}

type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        base.Norm
	Conv2      *nn.Conv2D
	Bn2        base.Norm
	Downsample ts.ModuleT
}

// NewBasicBlock creates a residual block of two 3x3 convs with padding equal
// to dilation.
func NewBasicBlock(path *nn.Path, cIn, cOut, stride, dilation int64, norm base.NormFactory) *BasicBlock {
	conv1 := base.Conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, dilation, stride, dilation)
	bn1 := norm.New(path.Sub("bn1"), cOut)
	conv2 := base.Conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, dilation, 1, dilation)
	bn2 := norm.New(path.Sub("bn2"), cOut)
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride, norm)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}
