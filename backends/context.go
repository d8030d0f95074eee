package backends

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/opkernels/internal/workerspool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PowerMode selects which cores a context runs on (meaningful for mobile CPUs with big/little cores).
type PowerMode int

const (
	// PowerHigh uses the big cores, up to the number of threads requested.
	PowerHigh PowerMode = iota
	// PowerLow uses the little cores: half of the threads requested.
	PowerLow
	// PowerFull uses every core, ignoring the number of threads requested.
	PowerFull
	// PowerNoBind doesn't bind threads to cores.
	PowerNoBind
)

var powerModeNames = []string{"high", "low", "full", "nobind"}

// String implements fmt.Stringer.
func (m PowerMode) String() string {
	if m < 0 || int(m) >= len(powerModeNames) {
		return "PowerMode(?)"
	}
	return powerModeNames[m]
}

// Context is the execution context of operators: the target and device, and the pool of workers
// data-parallel loops run on.
//
// A Context can be shared by many operators. SetRunMode must not be called while operators dispatch.
type Context struct {
	id       uuid.UUID
	target   Target
	deviceID int
	mode     PowerMode
	threads  int
	pool     *workerspool.Pool
}

// NewContext returns a context for the target and device, with PowerHigh and one thread per CPU.
func NewContext(target Target, deviceID int) *Context {
	c := &Context{
		id:       uuid.New(),
		target:   target,
		deviceID: deviceID,
		pool:     workerspool.New(),
	}
	_ = c.SetRunMode(PowerHigh, 0)
	return c
}

// ContextConfigEnv is the environment variable with the default context configuration.
// See NewContextWithConfig for its format.
const ContextConfigEnv = "OPKERNELS_CONTEXT"

// DefaultConfig is used by DefaultContext if ContextConfigEnv is not set.
var DefaultConfig string

// DefaultContext returns a new context configured by:
//
// 1. The environment variable OPKERNELS_CONTEXT, if defined.
// 2. Next the variable DefaultConfig, if defined.
// 3. DefaultTarget, device 0, with one thread per CPU.
func DefaultContext() (*Context, error) {
	if config, found := os.LookupEnv(ContextConfigEnv); found {
		return NewContextWithConfig(config)
	}
	return NewContextWithConfig(DefaultConfig)
}

// NewContextWithConfig takes a configuration string formatted as
//
//	"<target>:<key>=<value>,<key>=<value>..."
//
// The "<target>" is a target name (e.g.: "x86", "arm"), and it can be omitted (along with the ":") to use
// DefaultTarget. Keys are "device" (device id), "threads" (number of threads, 0 for one per CPU) and
// "mode" (one of "high", "low", "full", "nobind").
func NewContextWithConfig(config string) (*Context, error) {
	target := DefaultTarget()
	options := config
	if idx := strings.Index(config, ":"); idx != -1 {
		var err error
		target, err = ParseTarget(config[:idx])
		if err != nil {
			return nil, err
		}
		options = config[idx+1:]
	} else if config != "" && !strings.Contains(config, "=") {
		var err error
		target, err = ParseTarget(config)
		if err != nil {
			return nil, err
		}
		options = ""
	}
	deviceID, threads, mode := 0, 0, PowerHigh
	for _, option := range strings.Split(options, ",") {
		if option == "" {
			continue
		}
		key, value, found := strings.Cut(option, "=")
		if !found {
			return nil, errors.Wrapf(ErrInvalidValue, "context configuration %q: option %q is not in the format key=value", config, option)
		}
		var err error
		switch key {
		case "device":
			deviceID, err = strconv.Atoi(value)
		case "threads":
			threads, err = strconv.Atoi(value)
		case "mode":
			idx := -1
			for ii, name := range powerModeNames {
				if name == value {
					idx = ii
				}
			}
			if idx < 0 {
				err = errors.Errorf("unknown power mode %q", value)
			}
			mode = PowerMode(idx)
		default:
			err = errors.Errorf("unknown key %q", key)
		}
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidValue, "context configuration %q: %v", config, err)
		}
	}
	c := NewContext(target, deviceID)
	if err := c.SetRunMode(mode, threads); err != nil {
		return nil, err
	}
	return c, nil
}

// ID uniquely identifies the context in logs.
func (c *Context) ID() uuid.UUID { return c.id }

// Target of the context.
func (c *Context) Target() Target { return c.target }

// DeviceID of the context.
func (c *Context) DeviceID() int { return c.deviceID }

// PowerMode of the context.
func (c *Context) PowerMode() PowerMode { return c.mode }

// Threads returns the number of threads data-parallel loops use.
func (c *Context) Threads() int { return c.threads }

// Pool returns the pool of workers of the context.
func (c *Context) Pool() *workerspool.Pool { return c.pool }

// SetRunMode sets the power mode and the number of threads. threads <= 0 means one thread per CPU.
func (c *Context) SetRunMode(mode PowerMode, threads int) error {
	if mode < PowerHigh || mode > PowerNoBind {
		return errors.Wrapf(ErrInvalidValue, "invalid power mode %d", mode)
	}
	numCPU := runtime.NumCPU()
	if threads <= 0 {
		threads = numCPU
	}
	switch mode {
	case PowerLow:
		threads = max(1, threads/2)
	case PowerFull:
		threads = numCPU
	}
	c.mode = mode
	c.threads = threads
	c.pool.SetMaxParallelism(threads)
	klog.V(1).Infof("context %s: target=%s, device=%d, mode=%s, threads=%d", c.id, c.target, c.deviceID, mode, threads)
	return nil
}

// ParallelFor splits [0, n) into disjoint ranges run in parallel on the context's workers.
// See workerspool.Pool.ParallelFor.
func (c *Context) ParallelFor(n int, fn func(start, end int)) {
	if c.threads <= 1 {
		fn(0, n)
		return
	}
	c.pool.ParallelFor(n, fn)
}
