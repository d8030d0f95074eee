// kernelbench times every implementation of convolutions registered for a target, over a set of
// convolution configurations, and prints a table with the results.
//
// Example:
//
//	kernelbench -config="x86:threads=4" -dtype=int8 -runs=20 -conv=1x64x56x56/64/k3/s1/p1/g1
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opkernels/backends"
	_ "github.com/gomlx/opkernels/backends/default"
	"github.com/gomlx/opkernels/backends/jit"
	"github.com/gomlx/opkernels/funcs"
	"github.com/gomlx/opkernels/types/shapes"
	"github.com/gomlx/opkernels/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", fmt.Sprintf(
		"Context configuration, e.g. \"x86:threads=4,mode=high\". Defaults to $%s.", backends.ContextConfigEnv))
	flagDType = flag.String("dtype", "int8", "Operator dtype: float32 or int8.")
	flagRuns  = flag.Int("runs", 10, "Number of timed dispatches per implementation, after one warm-up dispatch.")
	flagConv  = flag.String("conv", "", "Comma-separated list of convolutions to benchmark, formatted as "+
		"NxCxHxW/OC/k<kernel>/s<stride>/p<pad>/g<group>. Defaults to a set of common convolutions.")
	flagQuiet = flag.Bool("quiet", false, "Don't display the progress bar.")
)

// defaultBenchConfigs are common convolutions of image classification models.
var defaultBenchConfigs = []string{
	"1x3x224x224/32/k3/s2/p1/g1",
	"1x64x56x56/64/k3/s1/p1/g1",
	"1x128x28x28/256/k1/s1/p0/g1",
	"1x256x14x14/256/k3/s1/p1/g256",
	"4x32x32x32/48/k5/s1/p2/g1",
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := must.M1(newContext(*flagConfig))
	dtype := must.M1(parseDType(*flagDType))
	specs := defaultBenchConfigs
	if *flagConv != "" {
		specs = strings.Split(*flagConv, ",")
	}
	configs := make([]benchConfig, 0, len(specs))
	for _, spec := range specs {
		configs = append(configs, must.M1(parseBenchConfig(spec)))
	}
	fmt.Printf("Target %s, %d threads, jit ISA %s\n", ctx.Target(), ctx.Threads(), jit.DetectISA())

	var bar *progressbar.ProgressBar
	if !*flagQuiet {
		bar = progressbar.NewOptions(len(configs),
			progressbar.OptionSetDescription("benchmarking"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish())
	}
	var results []benchResult
	for _, cfg := range configs {
		results = append(results, cfg.run(ctx, dtype, *flagRuns)...)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	printResults(results)
	fmt.Printf("%d kernels generated\n", jit.SharedCache.Generations())
}

func newContext(config string) (*backends.Context, error) {
	if config == "" {
		return backends.DefaultContext()
	}
	return backends.NewContextWithConfig(config)
}

func parseDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32":
		return dtypes.Float32, nil
	case "int8", "i8", "s8":
		return dtypes.Int8, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are float32 and int8", name)
}

// benchConfig is one convolution to benchmark.
type benchConfig struct {
	spec                   string
	num, inC, h, w, outC   int
	kernel, stride, pad, g int
}

func parseBenchConfig(spec string) (benchConfig, error) {
	cfg := benchConfig{spec: spec}
	_, err := fmt.Sscanf(spec, "%dx%dx%dx%d/%d/k%d/s%d/p%d/g%d",
		&cfg.num, &cfg.inC, &cfg.h, &cfg.w, &cfg.outC, &cfg.kernel, &cfg.stride, &cfg.pad, &cfg.g)
	if err != nil {
		return cfg, errors.Wrapf(err, "invalid convolution %q", spec)
	}
	if cfg.g < 1 || cfg.inC%cfg.g != 0 || cfg.outC%cfg.g != 0 {
		return cfg, errors.Errorf("invalid convolution %q: channels must be divisible by the group", spec)
	}
	return cfg, nil
}

// flops returns the number of multiply-adds of the convolution, times two.
func (cfg benchConfig) flops(output shapes.Shape) float64 {
	return 2 * float64(output.Size()) * float64(cfg.inC/cfg.g*cfg.kernel*cfg.kernel)
}

type benchResult struct {
	config, impl string
	ms           float64
	flops        float64
	outputBytes  uint64
	err          error
}

// run times each candidate implementation of the convolution.
func (cfg benchConfig) run(ctx *backends.Context, dtype dtypes.DType, runs int) []benchResult {
	rng := rand.New(rand.NewPCG(uint64(cfg.inC), uint64(cfg.outC)))
	randomTensor := func(dims ...int) *tensors.Tensor {
		t := tensors.FromShape(shapes.Make(dtypes.Float32, shapes.LayoutNCHW, dims...))
		for ii := range tensors.Flat[float32](t) {
			tensors.Flat[float32](t)[ii] = rng.Float32()*2 - 1
		}
		return t
	}
	input := randomTensor(cfg.num, cfg.inC, cfg.h, cfg.w)
	param := backends.NewConvParam(randomTensor(cfg.outC, cfg.inC/cfg.g, cfg.kernel, cfg.kernel), nil)
	param.Group, param.StrideH, param.StrideW, param.PadH, param.PadW = cfg.g, cfg.stride, cfg.stride, cfg.pad, cfg.pad
	inputs, outputs := []*tensors.Tensor{input}, []*tensors.Tensor{tensors.Empty(dtypes.Float32)}

	probe := funcs.NewConv(dtype)
	if err := probe.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx); err != nil {
		return []benchResult{{config: cfg.spec, err: err}}
	}
	var results []benchResult
	for _, name := range probe.Candidates() {
		result := benchResult{config: cfg.spec, impl: name}
		result.err = func() error {
			op := funcs.NewConv(dtype)
			if err := op.Init(inputs, outputs, param, funcs.SelectStatic, backends.ImplNative, ctx); err != nil {
				return err
			}
			if err := op.SelectImplementation(name); err != nil {
				return err
			}
			if err := op.Run(inputs, outputs, param, ctx); err != nil {
				return err
			}
			var timer backends.Timer
			for range runs {
				timer.Start()
				if err := op.Dispatch(inputs, outputs, param); err != nil {
					return err
				}
				timer.Stop()
			}
			result.ms = timer.AverageMs()
			result.flops = cfg.flops(outputs[0].Shape())
			result.outputBytes = uint64(outputs[0].Shape().Memory())
			return nil
		}()
		if result.err != nil {
			klog.V(1).Infof("%s with %s failed: %+v", cfg.spec, name, result.err)
		}
		results = append(results, result)
	}
	return results
}

func init() {
	must.M = func(err error) {
		if err != nil {
			klog.Errorf("kernelbench: %+v", err)
			os.Exit(1)
		}
	}
}
