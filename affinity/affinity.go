// Package affinity pins worker goroutines to CPUs.
package affinity

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcRoot is where OnlineCPUs looks for cpuinfo.
var ProcRoot = procfs.DefaultMountPoint

// Pin locks the calling goroutine to its OS thread and restricts that thread to cpu. The goroutine keeps the thread
// until Unpin.
func Pin(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("invalid cpu %d", cpu)
	}

	runtime.LockOSThread()

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// Unpin releases the OS thread locked by Pin. The thread keeps its affinity and exits with the goroutine if it is
// not reused.
func Unpin() {
	runtime.UnlockOSThread()
}

// OnlineCPUs counts the processors listed in cpuinfo, falling back to what the Go runtime sees.
func OnlineCPUs() int {
	fs, err := procfs.NewFS(ProcRoot)
	if err != nil {
		return runtime.NumCPU()
	}

	cpus, err := fs.CPUInfo()
	if err != nil || len(cpus) == 0 {
		return runtime.NumCPU()
	}
	return len(cpus)
}

// StorageCPU is the cpu a storage worker of queue q runs on, the second half of the machine.
func StorageCPU(q, ncpus int) int {
	if ncpus <= 1 {
		return 0
	}
	return (q + ncpus/2) % ncpus
}
