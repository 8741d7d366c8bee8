// Package eventfd wraps an eventfd counter and an epoll set for waiting on it with a timeout.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking any waiter.
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	return err
}

// Clear resets the counter and returns its previous value. An already clear counter reads as 0.
func (e *EventFD) Clear() (uint64, error) {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{fd: fd, events: make([]unix.EpollEvent, 1)}, nil
}

// Add watches fd for readability.
func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Wait blocks until a watched descriptor is readable or timeout passes. A negative timeout waits forever. It
// returns false on timeout. An interrupted wait also reports false so the caller simply checks again.
func (ep *Epoll) Wait(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("epoll_wait: %w", err)
	}
	return n > 0, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
