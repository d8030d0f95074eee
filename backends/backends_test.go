package backends

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedImpl struct{ name string }

func (n namedImpl) Name() string { return n.name }
func (namedImpl) Init(_, _ []*tensors.Tensor, _ *PoolingParam, _ *Context) error {
	return nil
}
func (namedImpl) Create(_, _ []*tensors.Tensor, _ *PoolingParam, _ *Context) error {
	return nil
}
func (namedImpl) Dispatch(_, _ []*tensors.Tensor, _ *PoolingParam) error { return nil }

func TestRegistryPriorities(t *testing.T) {
	register := func(priority Priority, name string) {
		Register[PoolingParam](OpTypePooling, AMD, dtypes.Float16, ImplNative, priority, name,
			func() Impl[PoolingParam] { return namedImpl{name} })
	}
	register(PriorityGeneric, "generic")
	register(PriorityArch, "arch")
	register(PriorityTyped, "typed")
	register(PriorityArch, "arch2")

	impls, err := Implementations[PoolingParam](OpTypePooling, AMD, dtypes.Float16, ImplNative)
	require.NoError(t, err)
	var names []string
	for _, impl := range impls {
		names = append(names, impl.Name())
	}
	require.Equal(t, []string{"arch", "arch2", "typed", "generic"}, names)

	_, err = Implementations[PoolingParam](OpTypePooling, AMD, dtypes.Float16, ImplVendor)
	require.ErrorIs(t, err, ErrUnimplemented)
	_, err = Implementations[ConvParam](OpTypePooling, AMD, dtypes.Float16, ImplNative)
	require.ErrorIs(t, err, ErrInvalidValue)

	caps := CapabilitiesFor(AMD)
	assert.True(t, caps.Operations[OpTypePooling])
	assert.False(t, caps.Operations[OpTypeConv])
	assert.True(t, caps.DTypes[dtypes.Float16])
	assert.True(t, caps.Kinds[ImplNative])
	clone := caps.Clone()
	clone.Operations[OpTypeConv] = true
	assert.False(t, caps.Operations[OpTypeConv])
}

func TestParseTarget(t *testing.T) {
	for _, target := range []Target{X86, ARM, NV, AMD} {
		parsed, err := ParseTarget(target.String())
		require.NoError(t, err)
		require.Equal(t, target, parsed)
	}
	parsed, err := ParseTarget("X86")
	require.NoError(t, err)
	require.Equal(t, X86, parsed)
	_, err = ParseTarget("invalid")
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = ParseTarget("tpu")
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestNewContextWithConfig(t *testing.T) {
	c, err := NewContextWithConfig("arm:device=1,threads=4,mode=low")
	require.NoError(t, err)
	assert.Equal(t, ARM, c.Target())
	assert.Equal(t, 1, c.DeviceID())
	assert.Equal(t, PowerLow, c.PowerMode())
	assert.Equal(t, 2, c.Threads())

	c, err = NewContextWithConfig("nv")
	require.NoError(t, err)
	assert.Equal(t, NV, c.Target())
	assert.Equal(t, runtime.NumCPU(), c.Threads())

	c, err = NewContextWithConfig("threads=3")
	require.NoError(t, err)
	assert.Equal(t, DefaultTarget(), c.Target())
	assert.Equal(t, 3, c.Threads())
	assert.NotEqual(t, c.ID(), NewContext(X86, 0).ID())

	for _, config := range []string{"tpu:", "x86:threads", "x86:threads=many", "x86:mode=turbo", "x86:color=red"} {
		_, err = NewContextWithConfig(config)
		require.ErrorIs(t, err, ErrInvalidValue, "config %q", config)
	}

	t.Setenv(ContextConfigEnv, "amd:threads=1")
	c, err = DefaultContext()
	require.NoError(t, err)
	assert.Equal(t, AMD, c.Target())
	assert.Equal(t, 1, c.Threads())

	require.ErrorIs(t, c.SetRunMode(PowerMode(9), 1), ErrInvalidValue)
}

func TestParallelFor(t *testing.T) {
	for _, threads := range []int{1, 4} {
		c := NewContext(X86, 0)
		require.NoError(t, c.SetRunMode(PowerHigh, threads))
		var sum atomic.Int64
		seen := make([]atomic.Int32, 1000)
		c.ParallelFor(len(seen), func(start, end int) {
			for ii := start; ii < end; ii++ {
				seen[ii].Add(1)
				sum.Add(int64(ii))
			}
		})
		require.Equal(t, int64(999*1000/2), sum.Load())
		for ii := range seen {
			require.Equal(t, int32(1), seen[ii].Load(), "index %d with %d threads", ii, threads)
		}
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusShapeMismatch, StatusOf(errors.Wrap(ErrShapeMismatch, "conv")))
	assert.Equal(t, StatusUnimplemented, StatusOf(errors.WithMessage(errors.Wrap(ErrUnimplemented, "a"), "b")))
	assert.Equal(t, StatusInvalidValue, StatusOf(ErrInvalidValue))
	assert.Equal(t, StatusNotInitialized, StatusOf(errors.Wrapf(ErrNotInitialized, "%s", "pooling")))
	assert.Equal(t, StatusConfigurationError, StatusOf(errors.Wrap(ErrConfiguration, "jit")))
	assert.Equal(t, StatusUnknownError, StatusOf(errors.New("boom")))
	assert.Equal(t, "ConfigurationError", StatusConfigurationError.String())
}

func TestTimer(t *testing.T) {
	var timer Timer
	assert.Zero(t, timer.Average())
	for range 2 {
		timer.Start()
		time.Sleep(2 * time.Millisecond)
		timer.Stop()
	}
	require.Len(t, timer.Laps(), 2)
	assert.GreaterOrEqual(t, timer.AverageMs(), 2.0)
	timer.Clear()
	assert.Empty(t, timer.Laps())
}

func TestConvParamValidate(t *testing.T) {
	weights := tensors.FromFlatDataAndDimensions(make([]float32, 8*4*3*3), shapes.LayoutNCHW, 8, 4, 3, 3)
	param := NewConvParam(weights, nil)
	require.NoError(t, param.Validate())
	assert.Equal(t, 3, param.KernelH())
	assert.False(t, param.WithRelu())
	param.Activation = &ActivationParam{Kind: ActivationRelu}
	assert.True(t, param.WithRelu())
	assert.Equal(t, float32(0), param.Activation.Apply(-2))
	param.Activation.NegativeSlope = 0.5
	assert.False(t, param.WithRelu())
	assert.Equal(t, float32(-1), param.Activation.Apply(-2))

	for _, mutate := range []func(p *ConvParam){
		func(p *ConvParam) { p.Group = 0 },
		func(p *ConvParam) { p.StrideW = 0 },
		func(p *ConvParam) { p.DilationH = -1 },
		func(p *ConvParam) { p.PadH = -1 },
		func(p *ConvParam) { p.Weights = nil },
		func(p *ConvParam) { p.RoundMode = RoundMode(5) },
	} {
		p := NewConvParam(weights, nil)
		mutate(p)
		require.ErrorIs(t, p.Validate(), ErrInvalidValue)
	}

	pooling := &PoolingParam{WindowH: 2, WindowW: 2, StrideH: 2, StrideW: 2, PadH: 2}
	require.ErrorIs(t, pooling.Validate(), ErrInvalidValue)
	pooling.Global = true
	require.NoError(t, pooling.Validate())
	require.ErrorIs(t, (&TopKPoolingParam{TopK: 0}).Validate(), ErrInvalidValue)
}
