package arena

import (
	"errors"
	"io"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/pagemap"
	"github.com/upa/libpop/popdev"
	"golang.org/x/sys/unix"
)

type optionValues struct {
	l         *logrus.Logger
	resolver  pagemap.Resolver
	registrar popdev.Registrar
	mapper    Mapper
	pageSize  int
	procRoot  string
	deviceDir string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.pageSize <= 0 || o.pageSize&(o.pageSize-1) != 0 {
		return errors.New("page size must be a positive power of 2")
	}
	return nil
}

func defaultOptions() optionValues {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return optionValues{
		l:         l,
		mapper:    mmapMapper{},
		pageSize:  unix.Getpagesize(),
		procRoot:  procfs.DefaultMountPoint,
		deviceDir: popdev.DefaultDir,
	}
}

// Option can be passed to [Open] to influence how the arena is set up.
type Option func(*optionValues)

func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}

// WithResolver replaces the pagemap lookup used to find the physical address of each allocation.
func WithResolver(r pagemap.Resolver) Option {
	return func(o *optionValues) { o.resolver = r }
}

// WithRegistrar replaces the pop control device client used for device backed arenas.
func WithRegistrar(r popdev.Registrar) Option {
	return func(o *optionValues) { o.registrar = r }
}

func WithMapper(m Mapper) Option {
	return func(o *optionValues) { o.mapper = m }
}

// WithPageSize sets the allocation granularity. Sizes handed to [Open] must be a multiple of it.
func WithPageSize(size int) Option {
	return func(o *optionValues) { o.pageSize = size }
}

// WithProcFS points huge page discovery at a procfs mount other than /proc.
func WithProcFS(root string) Option {
	return func(o *optionValues) { o.procRoot = root }
}

// WithDeviceDir sets the directory holding the pop control device and the per-device files.
func WithDeviceDir(dir string) Option {
	return func(o *optionValues) { o.deviceDir = dir }
}
