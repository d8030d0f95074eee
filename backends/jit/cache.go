package jit

import (
	"sync/atomic"

	"github.com/gomlx/opkernels/types/xsync"
)

type generated struct {
	kernel *Kernel
	err    error
}

// KernelCache holds the kernels generated per descriptor. Each descriptor is generated only once, even
// when requested concurrently. Errors are cached as well.
//
// The zero value is ready to use.
type KernelCache struct {
	kernels     xsync.SyncMap[ConvDesc, *xsync.LatchWithValue[generated]]
	generations atomic.Int64
}

// SharedCache is the process-wide cache used by ConvInt8.
var SharedCache = &KernelCache{}

// Get returns the kernel for the descriptor, generating it if needed.
func (c *KernelCache) Get(desc ConvDesc) (*Kernel, error) {
	latch, found := c.kernels.Load(desc)
	if !found {
		var loaded bool
		latch, loaded = c.kernels.LoadOrStore(desc, xsync.NewLatchWithValue[generated]())
		if !loaded {
			kernel, err := Generate(desc)
			c.generations.Add(1)
			latch.Trigger(generated{kernel: kernel, err: err})
		}
	}
	result := latch.Wait()
	return result.kernel, result.err
}

// Generations returns the number of kernel generations (successful or not) since the cache was created.
func (c *KernelCache) Generations() int64 { return c.generations.Load() }

// Len returns the number of descriptors cached.
func (c *KernelCache) Len() int { return c.kernels.Len() }

// Reset drops all the cached kernels. Kernels already returned remain valid.
func (c *KernelCache) Reset() { c.kernels.Clear() }
