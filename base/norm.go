package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Norm is a per-channel normalization layer that follows a convolution.
type Norm interface {
	ts.ModuleT
	// ResetParameters sets scale to 1 and shift to 0.
	ResetParameters()
}

// NormFactory creates a Norm for a given number of channels.
type NormFactory interface {
	New(p *nn.Path, channels int64) Norm
}

// BatchNorm2d is a NormFactory producing nn.BatchNorm layers.
//
// Variables are named `weight`, `bias`, `running_mean` and `running_var`
// under the given path so pretrained PyTorch weights load by name.
type BatchNorm2d struct {
	Eps      float64
	Momentum float64
}

// DefaultBatchNorm2d creates a BatchNorm2d with gotch default eps and momentum.
func DefaultBatchNorm2d() *BatchNorm2d {
	config := nn.DefaultBatchNormConfig()
	return &BatchNorm2d{
		Eps:      config.Eps,
		Momentum: config.Momentum,
	}
}

// New implements NormFactory.
func (f *BatchNorm2d) New(p *nn.Path, channels int64) Norm {
	config := nn.DefaultBatchNormConfig()
	config.Eps = f.Eps
	config.Momentum = f.Momentum
	config.WsInit = nn.NewConstInit(1.0)
	config.BsInit = nn.NewConstInit(0.0)

	return &batchNorm{nn.BatchNorm2D(p, channels, config)}
}

type batchNorm struct {
	*nn.BatchNorm
}

func (bn *batchNorm) ResetParameters() {
	ResetNorm(bn.Ws, bn.Bs)
}

// GroupNorm is a NormFactory producing group normalization layers.
// Channels must be divisible by Groups.
type GroupNorm struct {
	Groups int64
	Eps    float64
}

// NewGroupNorm creates a GroupNorm factory with eps 1e-5.
func NewGroupNorm(groups int64) *GroupNorm {
	return &GroupNorm{Groups: groups, Eps: 1e-5}
}

// New implements NormFactory.
func (f *GroupNorm) New(p *nn.Path, channels int64) Norm {
	ws := p.NewVar("weight", []int64{channels}, nn.NewConstInit(1.0))
	bs := p.NewVar("bias", []int64{channels}, nn.NewConstInit(0.0))

	return &groupNorm{
		Ws:     ws,
		Bs:     bs,
		groups: f.Groups,
		eps:    f.Eps,
	}
}

type groupNorm struct {
	Ws     *ts.Tensor
	Bs     *ts.Tensor
	groups int64
	eps    float64
}

// ForwardT implements ts.ModuleT. Group statistics do not depend on `train`.
func (gn *groupNorm) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return ts.MustGroupNorm(x, gn.groups, gn.Ws, gn.Bs, gn.eps, false)
}

func (gn *groupNorm) ResetParameters() {
	ResetNorm(gn.Ws, gn.Bs)
}
