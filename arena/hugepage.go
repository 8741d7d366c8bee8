package arena

import (
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/upa/libpop/util"
)

// reservedHugePages returns the number of bytes reserved as huge pages, as reported by meminfo.
func reservedHugePages(procRoot string) (int, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return 0, err
	}

	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}

	if mi.HugePagesTotal == nil || mi.Hugepagesize == nil {
		return 0, fmt.Errorf("%w: meminfo has no huge page counters", util.ErrConfig)
	}

	// Hugepagesize is reported in kB.
	return int(*mi.HugePagesTotal * *mi.Hugepagesize * 1024), nil
}
