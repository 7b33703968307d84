// Package aspp implements Atrous Spatial Pyramid Pooling.
//
// Ref. https://arxiv.org/abs/1706.05587
package aspp

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/deeplab/base"
)

const (
	// BranchChannels is the number of channels every branch outputs.
	BranchChannels int64 = 256
	// NumBranches counts the four atrous branches and the global branch.
	NumBranches = 5
	// ConcatChannels is the channel count of the concatenated pyramid.
	ConcatChannels = BranchChannels * NumBranches
)

// ErrUnsupportedOutputStride is returned for output strides other than 8 and 16.
var ErrUnsupportedOutputStride = errors.New("unsupported output stride")

// ConfigError reports an invalid ASPP configuration.
type ConfigError struct {
	OutputStride OutputStride
	Reason       string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("aspp: invalid config: %s", e.Reason)
	}
	return fmt.Sprintf("aspp: %v: %d (expected 8 or 16)", ErrUnsupportedOutputStride, e.OutputStride)
}

// Unwrap makes errors.Is(err, ErrUnsupportedOutputStride) work for
// output stride errors.
func (e *ConfigError) Unwrap() error {
	if e.Reason != "" {
		return nil
	}
	return ErrUnsupportedOutputStride
}

// OutputStride is the backbone's input/feature resolution ratio.
type OutputStride int64

const (
	OutputStride8  OutputStride = 8
	OutputStride16 OutputStride = 16
)

// Dilations returns the dilation rates of the four atrous branches.
func (s OutputStride) Dilations() ([4]int64, error) {
	switch s {
	case OutputStride16:
		return [4]int64{1, 6, 12, 18}, nil
	case OutputStride8:
		return [4]int64{1, 12, 24, 36}, nil
	default:
		return [4]int64{}, &ConfigError{OutputStride: s}
	}
}

// Config holds ASPP construction parameters.
type Config struct {
	// InChannels is the channel count of the incoming feature map.
	InChannels   int64
	OutputStride OutputStride
	Norm         base.NormFactory
}

// DefaultConfig returns a config for a 512-channel (ResNet18/34) backbone at
// output stride 16 with batch normalization.
func DefaultConfig() *Config {
	return &Config{
		InChannels:   512,
		OutputStride: OutputStride16,
		Norm:         base.DefaultBatchNorm2d(),
	}
}

// NewBranch creates an atrous branch: relu(norm(conv(x))).
func NewBranch(p *nn.Path, cIn, cOut, ksize, padding, dilation int64, norm base.NormFactory) *base.ConvNormRelu {
	return base.NewConvNormRelu(p.Sub("atrous_conv"), p.Sub("bn"), cIn, cOut, ksize, padding, dilation, norm)
}

// ASPP aggregates four atrous branches and a global-context branch.
type ASPP struct {
	inChannels int64
	dilations  [4]int64

	branches   [4]*base.ConvNormRelu
	global     *base.ConvNormRelu // applied on the 1x1 pooled map
	projection *base.ConvNormRelu
}

// NewASPP creates ASPP. It returns a *ConfigError when the config is invalid.
func NewASPP(p *nn.Path, cfg *Config) (*ASPP, error) {
	if cfg == nil {
		return nil, &ConfigError{Reason: "nil config"}
	}
	dilations, err := cfg.OutputStride.Dilations()
	if err != nil {
		return nil, err
	}
	if cfg.InChannels <= 0 {
		return nil, &ConfigError{OutputStride: cfg.OutputStride, Reason: fmt.Sprintf("input channels must be positive, got %d", cfg.InChannels)}
	}
	if cfg.Norm == nil {
		return nil, &ConfigError{OutputStride: cfg.OutputStride, Reason: "nil normalization factory"}
	}

	cIn := cfg.InChannels
	var branches [4]*base.ConvNormRelu
	branches[0] = NewBranch(p.Sub("aspp1"), cIn, BranchChannels, 1, 0, dilations[0], cfg.Norm)
	for i := 1; i < 4; i++ {
		d := dilations[i]
		branches[i] = NewBranch(p.Sub(fmt.Sprintf("aspp%d", i+1)), cIn, BranchChannels, 3, d, d, cfg.Norm)
	}

	// Index 0 of `global_avg_pool` is the parameter-free pooling.
	gp := p.Sub("global_avg_pool")
	global := base.NewConvNormRelu(gp.Sub("1"), gp.Sub("2"), cIn, BranchChannels, 1, 0, 1, cfg.Norm)

	projection := base.NewConvNormRelu(p.Sub("conv1"), p.Sub("bn1"), ConcatChannels, BranchChannels, 1, 0, 1, cfg.Norm)

	return &ASPP{
		inChannels: cIn,
		dilations:  dilations,
		branches:   branches,
		global:     global,
		projection: projection,
	}, nil
}

// InChannels returns the expected input channel count.
func (m *ASPP) InChannels() int64 {
	return m.inChannels
}

// Dilations returns the dilation rates of the atrous branches.
func (m *ASPP) Dilations() [4]int64 {
	return m.dilations
}

// Branches returns the four atrous branches.
func (m *ASPP) Branches() [4]*base.ConvNormRelu {
	return m.branches
}

// ForwardGlobal computes the global-context branch upsampled to size (H, W).
// With batch normalization and train = true the batch size must be > 1: the
// pooled map holds one value per channel per sample and libtorch panics with
// "Expected more than 1 value per channel when training".
func (m *ASPP) ForwardGlobal(x *ts.Tensor, size []int64, train bool) *ts.Tensor {
	pooled := x.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	g := m.global.ForwardT(pooled, train)
	pooled.MustDrop()

	// bilinear, align_corners = true
	up := g.MustUpsampleBilinear2d(size, true, nil, nil, false)
	g.MustDrop()

	return up
}

// ForwardPyramid computes all five branches and concatenates them along the
// channel axis: [B, C, H, W] => [B, 1280, H, W].
func (m *ASPP) ForwardPyramid(x *ts.Tensor, train bool) *ts.Tensor {
	outs := make([]ts.Tensor, 0, NumBranches)
	for _, b := range m.branches {
		outs = append(outs, *b.ForwardT(x, train))
	}

	size := outs[len(outs)-1].MustSize()
	g := m.ForwardGlobal(x, size[2:], train)
	outs = append(outs, *g)

	cat := ts.MustCat(outs, 1)
	for i := range outs {
		outs[i].MustDrop()
	}

	return cat
}

// ForwardT implements ts.ModuleT for ASPP: [B, C, H, W] => [B, 256, H, W].
//
// Any B >= 1 works in evaluation mode. In training mode with batch
// normalization B must be > 1 (see ForwardGlobal); GroupNorm has no such
// restriction.
func (m *ASPP) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	cat := m.ForwardPyramid(x, train)
	out := m.projection.ForwardT(cat, train)
	cat.MustDrop()

	return out
}

// ResetParameters re-initializes every conv (He normal) and norm (1, 0).
func (m *ASPP) ResetParameters() {
	for _, b := range m.branches {
		b.ResetParameters()
	}
	m.global.ResetParameters()
	m.projection.ResetParameters()
}

// OutputShape returns the output shape for an input shape without running
// the network. It checks what ForwardT would otherwise fail on inside libtorch.
func (m *ASPP) OutputShape(in []int64) ([]int64, error) {
	if len(in) != 4 {
		return nil, errors.Errorf("aspp: expected 4-D input [B C H W], got %v", in)
	}
	if in[0] < 1 {
		return nil, errors.Errorf("aspp: batch size must be >= 1, got %d", in[0])
	}
	if in[1] != m.inChannels {
		return nil, errors.Errorf("aspp: expected %d input channels, got %d", m.inChannels, in[1])
	}

	h, w := in[2], in[3]
	for i, b := range m.branches {
		bh, err := b.OutSize(h)
		if err != nil {
			return nil, errors.Wrapf(err, "aspp: branch %d height", i+1)
		}
		bw, err := b.OutSize(w)
		if err != nil {
			return nil, errors.Wrapf(err, "aspp: branch %d width", i+1)
		}
		if bh != h || bw != w {
			return nil, errors.Errorf("aspp: branch %d changes spatial size %dx%d to %dx%d", i+1, h, w, bh, bw)
		}
	}

	return []int64{in[0], BranchChannels, h, w}, nil
}
