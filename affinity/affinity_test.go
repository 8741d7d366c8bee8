package affinity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOnlineCPUs(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := "processor\t: 0\nvendor_id\t: GenuineIntel\n\nprocessor\t: 1\nvendor_id\t: GenuineIntel\n\n" +
		"processor\t: 2\nvendor_id\t: GenuineIntel\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte(cpuinfo), 0o644))

	old := ProcRoot
	t.Cleanup(func() { ProcRoot = old })

	ProcRoot = dir
	assert.Equal(t, 3, OnlineCPUs())

	ProcRoot = filepath.Join(dir, "missing")
	assert.Equal(t, runtime.NumCPU(), OnlineCPUs())
}

func TestStorageCPU(t *testing.T) {
	assert.Equal(t, 4, StorageCPU(0, 8))
	assert.Equal(t, 7, StorageCPU(3, 8))
	assert.Equal(t, 0, StorageCPU(4, 8))
	assert.Equal(t, 0, StorageCPU(2, 1))
}

func TestPin(t *testing.T) {
	var allowed unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &allowed))

	cpu := 0
	for !allowed.IsSet(cpu) {
		cpu++
	}

	done := make(chan error)
	go func() {
		defer Unpin()
		done <- Pin(cpu)
	}()
	assert.NoError(t, <-done)

	assert.Error(t, Pin(-1))
}
