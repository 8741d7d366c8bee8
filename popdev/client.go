// Package popdev talks to the pop kernel module, which exposes the on-board
// memory of PCI peer-DMA capable devices as mappable character devices.
package popdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/util"
	"golang.org/x/sys/unix"
)

const (
	// DefaultDir holds the control device and one file per registered device.
	DefaultDir = "/dev/pop"

	controlName = "pop"
)

var (
	ErrNoDevice      = fmt.Errorf("%w: no such pci device or not registered", util.ErrConfig)
	ErrNotCapable    = fmt.Errorf("%w: device has no peer memory", util.ErrConfig)
	ErrNoPeerMemory  = fmt.Errorf("peer memory allocation failed: %w", util.ErrNoCapacity)
	ErrNotRegistered = errors.New("device is not registered")
)

// Registrar performs the register/unregister handshake for a device. Register returns the size actually granted.
type Registrar interface {
	Register(id ID, size uint64) (uint64, error)
	Unregister(id ID) error
}

// Client is a Registrar backed by the pop control device.
type Client struct {
	dir string
	l   *logrus.Logger
}

func NewClient(l *logrus.Logger, dir string) *Client {
	if dir == "" {
		dir = DefaultDir
	}
	return &Client{dir: dir, l: l}
}

// Path returns the mappable file the module creates for id once it is registered.
func (c *Client) Path(id ID) string {
	return Path(c.dir, id)
}

func Path(dir string, id ID) string {
	return filepath.Join(dir, id.String())
}

func (c *Client) Register(id ID, size uint64) (uint64, error) {
	reg := newRegistration(id, size)
	if err := c.ioctl(ioctlRegister, &reg); err != nil {
		return 0, fmt.Errorf("register %s: %w", id, classify(err))
	}

	c.l.WithField("device", id).WithField("requested", size).WithField("granted", reg.Size).
		Debug("Registered peer memory")
	return reg.Size, nil
}

func (c *Client) Unregister(id ID) error {
	reg := newRegistration(id, 0)
	if err := c.ioctl(ioctlUnregister, &reg); err != nil {
		if errors.Is(err, unix.ENODEV) {
			return fmt.Errorf("unregister %s: %w", id, ErrNotRegistered)
		}
		return fmt.Errorf("unregister %s: %w", id, err)
	}

	c.l.WithField("device", id).Debug("Unregistered peer memory")
	return nil
}

func (c *Client) ioctl(req uint, reg *registration) error {
	path := filepath.Join(c.dir, controlName)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return ioctlPtr(int(f.Fd()), req, unsafe.Pointer(reg))
}

func classify(err error) error {
	switch {
	case errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %w", ErrNoDevice, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %w", ErrNotCapable, err)
	case errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%w: %w", ErrNoPeerMemory, err)
	}
	return err
}
