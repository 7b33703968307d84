package aspp_test

import (
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"gonum.org/v1/gonum/stat"

	"github.com/sugarme/deeplab/aspp"
	"github.com/sugarme/deeplab/base"
)

func newASPP(t *testing.T, outputStride aspp.OutputStride) (*nn.VarStore, *aspp.ASPP) {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	cfg := aspp.DefaultConfig()
	cfg.OutputStride = outputStride
	m, err := aspp.NewASPP(vs.Root(), cfg)
	require.NoError(t, err)

	return vs, m
}

func variable(t *testing.T, vs *nn.VarStore, name string) []float64 {
	t.Helper()
	vars := vs.Variables()
	v, ok := vars[name]
	require.True(t, ok, "missing variable %q", name)

	return v.Float64Values()
}

func TestOutputStrideDilations(t *testing.T) {
	tests := []struct {
		outputStride aspp.OutputStride
		want         [4]int64
	}{
		{aspp.OutputStride16, [4]int64{1, 6, 12, 18}},
		{aspp.OutputStride8, [4]int64{1, 12, 24, 36}},
	}

	for _, tt := range tests {
		got, err := tt.outputStride.Dilations()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewASPPUnsupportedOutputStride(t *testing.T) {
	for _, s := range []aspp.OutputStride{0, 4, 32, 36, -16} {
		vs := nn.NewVarStore(gotch.CPU)
		cfg := aspp.DefaultConfig()
		cfg.OutputStride = s

		m, err := aspp.NewASPP(vs.Root(), cfg)
		require.Error(t, err)
		assert.Nil(t, m)
		assert.True(t, errors.Is(err, aspp.ErrUnsupportedOutputStride), "output stride %d: %v", s, err)

		var cfgErr *aspp.ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, s, cfgErr.OutputStride)

		// Nothing is built on failure.
		assert.Empty(t, vs.Variables())
	}
}

func TestNewASPPInvalidConfig(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	_, err := aspp.NewASPP(vs.Root(), nil)
	assert.Error(t, err)

	cfg := aspp.DefaultConfig()
	cfg.InChannels = 0
	_, err = aspp.NewASPP(vs.Root(), cfg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, aspp.ErrUnsupportedOutputStride))

	cfg = aspp.DefaultConfig()
	cfg.Norm = nil
	_, err = aspp.NewASPP(vs.Root(), cfg)
	var cfgErr *aspp.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestASPPForwardShape(t *testing.T) {
	tests := []struct {
		name         string
		outputStride aspp.OutputStride
		input        []int64
	}{
		{"square os16", aspp.OutputStride16, []int64{1, 512, 32, 32}},
		{"odd unequal os8", aspp.OutputStride8, []int64{2, 512, 65, 33}},
		{"single pixel", aspp.OutputStride16, []int64{1, 512, 1, 1}},
		{"wide os8", aspp.OutputStride8, []int64{1, 512, 3, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m := newASPP(t, tt.outputStride)
			want := []int64{tt.input[0], aspp.BranchChannels, tt.input[2], tt.input[3]}

			shape, err := m.OutputShape(tt.input)
			require.NoError(t, err)
			assert.Equal(t, want, shape)

			ts.NoGrad(func() {
				x := ts.MustRand(tt.input, gotch.Float, gotch.CPU)
				out := m.ForwardT(x, false)
				assert.Equal(t, want, out.MustSize())
				x.MustDrop()
				out.MustDrop()
			})
		})
	}
}

func TestBranchesPreserveSpatialSize(t *testing.T) {
	_, m := newASPP(t, aspp.OutputStride8)
	dilations := m.Dilations()

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{1, 512, 17, 9}, gotch.Float, gotch.CPU)
		defer x.MustDrop()

		for i, b := range m.Branches() {
			assert.Equal(t, dilations[i], b.Dilation)
			if i == 0 {
				assert.Equal(t, int64(1), b.KernelSize)
				assert.Equal(t, int64(0), b.Padding)
			} else {
				assert.Equal(t, int64(3), b.KernelSize)
				assert.Equal(t, b.Dilation, b.Padding)
				assert.Equal(t, 2*dilations[i]+1, base.ReceptiveField(b.KernelSize, b.Dilation))
			}

			out := b.ForwardT(x, false)
			assert.Equal(t, []int64{1, aspp.BranchChannels, 17, 9}, out.MustSize(), "branch %d", i+1)
			out.MustDrop()
		}
	})
}

func TestForwardGlobalUpsamplesToSize(t *testing.T) {
	_, m := newASPP(t, aspp.OutputStride16)

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{1, 512, 8, 8}, gotch.Float, gotch.CPU)
		g := m.ForwardGlobal(x, []int64{5, 9}, false)
		require.Equal(t, []int64{1, aspp.BranchChannels, 5, 9}, g.MustSize())

		// Upsampling a 1x1 map gives a constant plane per channel.
		vals := g.Float64Values()
		plane := 5 * 9
		for c := 0; c < int(aspp.BranchChannels); c++ {
			first := vals[c*plane]
			for i := 1; i < plane; i++ {
				if math.Abs(vals[c*plane+i]-first) > 1e-5 {
					t.Fatalf("channel %d not constant: %v vs %v", c, vals[c*plane+i], first)
				}
			}
		}

		x.MustDrop()
		g.MustDrop()
	})
}

func TestForwardPyramidChannels(t *testing.T) {
	_, m := newASPP(t, aspp.OutputStride16)
	assert.Equal(t, int64(1280), aspp.ConcatChannels)

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{2, 512, 6, 10}, gotch.Float, gotch.CPU)
		cat := m.ForwardPyramid(x, false)
		assert.Equal(t, []int64{2, aspp.ConcatChannels, 6, 10}, cat.MustSize())
		x.MustDrop()
		cat.MustDrop()
	})
}

func TestOutputShapeErrors(t *testing.T) {
	_, m := newASPP(t, aspp.OutputStride16)

	for _, in := range [][]int64{
		{512, 32, 32},
		{1, 2048, 32, 32},
		{0, 512, 32, 32},
		{1, 512, 0, 32},
		{1, 512, 32, 32, 1},
	} {
		_, err := m.OutputShape(in)
		assert.Error(t, err, "input %v", in)
	}
}

func TestInChannelsIsExplicit(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := aspp.DefaultConfig()
	cfg.InChannels = 64
	m, err := aspp.NewASPP(vs.Root(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(64), m.InChannels())

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{1, 64, 5, 5}, gotch.Float, gotch.CPU)
		out := m.ForwardT(x, false)
		assert.Equal(t, []int64{1, aspp.BranchChannels, 5, 5}, out.MustSize())
		x.MustDrop()
		out.MustDrop()
	})
}

func TestVariableNames(t *testing.T) {
	vs, _ := newASPP(t, aspp.OutputStride16)
	vars := vs.Variables()

	for _, name := range []string{
		"aspp1.atrous_conv.weight",
		"aspp4.bn.running_var",
		"global_avg_pool.1.weight",
		"global_avg_pool.2.bias",
		"conv1.weight",
		"bn1.weight",
	} {
		_, ok := vars[name]
		assert.True(t, ok, "missing %q", name)
	}
	for name := range vars {
		assert.False(t, strings.HasSuffix(name, "atrous_conv.bias"), "conv has bias: %q", name)
	}
}

func TestInitialization(t *testing.T) {
	vs, _ := newASPP(t, aspp.OutputStride16)

	ws := variable(t, vs, "aspp2.atrous_conv.weight")
	mean, std := stat.MeanStdDev(ws, nil)
	want := math.Sqrt(2.0 / (512 * 3 * 3))
	assert.InDelta(t, 0.0, mean, want*0.05)
	assert.InDelta(t, want, std, want*0.05)

	for _, name := range []string{"aspp1.bn", "aspp3.bn", "global_avg_pool.2", "bn1"} {
		for _, v := range variable(t, vs, name+".weight") {
			require.Equal(t, 1.0, v, name)
		}
		for _, v := range variable(t, vs, name+".bias") {
			require.Equal(t, 0.0, v, name)
		}
	}
}

func TestResetParameters(t *testing.T) {
	vs, m := newASPP(t, aspp.OutputStride8)
	input := []int64{1, 512, 4, 6}

	before := variable(t, vs, "conv1.weight")

	for i := 0; i < 2; i++ {
		m.ResetParameters()

		after := variable(t, vs, "conv1.weight")
		require.Equal(t, len(before), len(after))
		assert.NotEqual(t, before[:16], after[:16])
		before = after

		for _, v := range variable(t, vs, "bn1.weight") {
			require.Equal(t, 1.0, v)
		}
		for _, v := range variable(t, vs, "aspp2.bn.bias") {
			require.Equal(t, 0.0, v)
		}

		ts.NoGrad(func() {
			x := ts.MustRand(input, gotch.Float, gotch.CPU)
			out := m.ForwardT(x, false)
			assert.Equal(t, []int64{1, aspp.BranchChannels, 4, 6}, out.MustSize())
			x.MustDrop()
			out.MustDrop()
		})
	}
}

func TestGroupNormFactory(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := aspp.DefaultConfig()
	cfg.Norm = base.NewGroupNorm(32)
	m, err := aspp.NewASPP(vs.Root(), cfg)
	require.NoError(t, err)

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{1, 512, 9, 5}, gotch.Float, gotch.CPU)
		out := m.ForwardT(x, true)
		assert.Equal(t, []int64{1, aspp.BranchChannels, 9, 5}, out.MustSize())
		x.MustDrop()
		out.MustDrop()
	})

	_, ok := vs.Variables()["bn1.running_mean"]
	assert.False(t, ok)
}

func TestASPPForwardTrainMode(t *testing.T) {
	_, m := newASPP(t, aspp.OutputStride16)

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{2, 512, 5, 7}, gotch.Float, gotch.CPU)
		out := m.ForwardT(x, true)
		assert.Equal(t, []int64{2, aspp.BranchChannels, 5, 7}, out.MustSize())
		x.MustDrop()
		out.MustDrop()
	})
}
