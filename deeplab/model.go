// Package deeplab implements DeepLabV3 semantic segmentation models.
//
// Ref: https://arxiv.org/abs/1706.05587
package deeplab

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/deeplab/aspp"
	"github.com/sugarme/deeplab/base"
	"github.com/sugarme/deeplab/encoder"
)

// Config is DeepLabV3 configuration.
type Config struct {
	Backbone     string // "resnet18" or "resnet34"
	OutputStride aspp.OutputStride
	Classes      int64
	Attention    bool // SCSE on ASPP output
	Norm         base.NormFactory
}

// DefaultConfig returns a ResNet34, output stride 16, single class config.
func DefaultConfig() *Config {
	return &Config{
		Backbone:     "resnet34",
		OutputStride: aspp.OutputStride16,
		Classes:      1,
		Attention:    false,
		Norm:         base.DefaultBatchNorm2d(),
	}
}

// DeepLabV3 is a DeepLabV3 model struct.
type DeepLabV3 struct {
	encoder encoder.Encoder
	aspp    *aspp.ASPP
	attn    *base.Attention
	segHead *nn.SequentialT
}

// NewDeepLabV3 creates DeepLabV3. Output stride and backbone are checked
// before any variable is created.
func NewDeepLabV3(p *nn.Path, cfg *Config) (*DeepLabV3, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if _, err := cfg.OutputStride.Dilations(); err != nil {
		return nil, err
	}
	if cfg.Classes < 1 {
		return nil, fmt.Errorf("deeplab: classes must be >= 1, got %d", cfg.Classes)
	}
	norm := cfg.Norm
	if norm == nil {
		norm = base.DefaultBatchNorm2d()
	}

	var (
		enc *encoder.ResNetEncoder
		err error
	)
	switch cfg.Backbone {
	case "resnet18":
		enc, err = encoder.NewResNet18Encoder(p, int64(cfg.OutputStride), norm)
	case "resnet34", "":
		enc, err = encoder.NewResNet34Encoder(p, int64(cfg.OutputStride), norm)
	default:
		err = fmt.Errorf("deeplab: unsupported backbone %q", cfg.Backbone)
	}
	if err != nil {
		return nil, err
	}

	channels := enc.Channels()
	a, err := aspp.NewASPP(p.Sub("aspp"), &aspp.Config{
		InChannels:   channels[len(channels)-1],
		OutputStride: cfg.OutputStride,
		Norm:         norm,
	})
	if err != nil {
		return nil, err
	}

	attn := base.NewAttention()
	if cfg.Attention {
		attn = base.NewAttention(base.NewSCSE(p.Sub("attn"), aspp.BranchChannels))
	}

	head := base.NewSegmentationHead(p.Sub("logit"), aspp.BranchChannels, cfg.Classes, 1, 1)

	return &DeepLabV3{
		encoder: enc,
		aspp:    a,
		attn:    attn,
		segHead: head,
	}, nil
}

// ASPP returns the model's pyramid pooling block.
func (n *DeepLabV3) ASPP() *aspp.ASPP {
	return n.aspp
}

// ForwardT implements ts.ModuleT for DeepLabV3 struct.
// [B 3 H W] => [B classes H W]
//
// Training with batch normalization needs B > 1, as in aspp.ASPP.ForwardT.
func (n *DeepLabV3) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	last := features[len(features)-1]   // [B 512 H/os W/os]
	out := n.aspp.ForwardT(last, train) // [B 256 H/os W/os]
	for _, f := range features {
		f.MustDrop()
	}

	attn := n.attn.ForwardT(out, train)
	out.MustDrop()
	logit := n.segHead.ForwardT(attn, train)
	attn.MustDrop()

	masks := upsample(logit, x)
	logit.MustDrop()

	return masks
}

// upsample resizes x to the spatial size of ref using bilinear interpolation.
func upsample(x, ref *ts.Tensor) *ts.Tensor {
	xSize := x.MustSize()
	refSize := ref.MustSize()
	if xSize[2] == refSize[2] && xSize[3] == refSize[3] {
		return x.MustShallowClone()
	}

	return x.MustUpsampleBilinear2d(refSize[2:], false, nil, nil, false)
}
