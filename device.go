package compgen

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device describes the machine the kernels run on. Placement is static: all
// computation happens on the host CPU.
type Device struct {
	Name    string
	Cores   int
	Threads int
	AVX2    bool
	AVX512  bool
}

func DetectDevice() Device {
	return Device{
		Name:    cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: runtime.NumCPU(),
		AVX2:    cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3),
		AVX512:  cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "unknown cpu"
	}
	return fmt.Sprintf("cpu: %s (%d cores, %d threads, avx2=%t, avx512=%t)", name, d.Cores, d.Threads, d.AVX2, d.AVX512)
}
