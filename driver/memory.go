package driver

import (
	"fmt"
	"sync"
	"time"
)

// MemoryDisk is a block device in ordinary memory shared by the queues of a memory storage driver.
type MemoryDisk struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryDisk(size int) *MemoryDisk {
	return &MemoryDisk{data: make([]byte, size)}
}

func (d *MemoryDisk) Size() int {
	return len(d.data)
}

// ReadAt copies disk contents at off into p.
func (d *MemoryDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("read of %d bytes at %d beyond disk of %d", len(p), off, len(d.data))
	}
	return copy(p, d.data[off:]), nil
}

// WriteAt copies p to the disk at off.
func (d *MemoryDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d beyond disk of %d", len(p), off, len(d.data))
	}
	return copy(d.data[off:], p), nil
}

// MemoryBackend is a command queue over a MemoryDisk. Commands are carried out when submitted and their completions
// are handed out by the next Reap, unless the queue is stalled.
type MemoryBackend struct {
	disk  *MemoryDisk
	depth int

	mu        sync.Mutex
	queued    int
	completed []Result
	stalled   bool
	failures  int
	failErr   error
	submitted int
	ready     chan struct{}
}

func NewMemoryBackend(disk *MemoryDisk, depth int) *MemoryBackend {
	return &MemoryBackend{
		disk:  disk,
		depth: depth,
		ready: make(chan struct{}, 1),
	}
}

func (m *MemoryBackend) Submit(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queued >= m.depth {
		return ErrQueueFull
	}

	res := Result{Tag: cmd.Tag}
	if m.failures > 0 {
		m.failures--
		res.Err = m.failErr
	} else {
		data := cmd.Buf.Bytes()[:cmd.Length]
		if cmd.Write {
			_, res.Err = m.disk.WriteAt(data, cmd.Offset)
		} else {
			_, res.Err = m.disk.ReadAt(data, cmd.Offset)
		}
	}

	m.queued++
	m.submitted++
	m.completed = append(m.completed, res)
	if !m.stalled {
		m.signal()
	}
	return nil
}

func (m *MemoryBackend) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *MemoryBackend) Reap(timeout time.Duration) ([]Result, error) {
	if res := m.take(); len(res) > 0 || timeout <= 0 {
		return res, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.ready:
	case <-t.C:
	}
	return m.take(), nil
}

func (m *MemoryBackend) take() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stalled || len(m.completed) == 0 {
		return nil
	}
	res := m.completed
	m.completed = nil
	m.queued -= len(res)
	return res
}

// Stall holds back completions until called again with false.
func (m *MemoryBackend) Stall(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = stalled
	if !stalled && len(m.completed) > 0 {
		m.signal()
	}
}

// FailNext completes the next n commands with err without touching the disk.
func (m *MemoryBackend) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// Submitted counts every command accepted so far.
func (m *MemoryBackend) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

func (m *MemoryBackend) Close() error {
	return nil
}

// NewMemoryStorage builds a storage driver of queues queues over one shared disk of diskSize bytes.
func NewMemoryStorage(queues, diskSize int, options ...Option) (*Storage, *MemoryDisk, []*MemoryBackend, error) {
	if queues <= 0 || diskSize <= 0 {
		return nil, nil, nil, fmt.Errorf("invalid memory storage of %d queues on %d bytes", queues, diskSize)
	}

	o := defaultOptions()
	o.apply(options)

	disk := NewMemoryDisk(diskSize)
	mem := make([]*MemoryBackend, queues)
	backends := make([]Backend, queues)
	for q := range mem {
		mem[q] = NewMemoryBackend(disk, o.depth)
		backends[q] = mem[q]
	}

	s, err := NewStorage(backends, options...)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, disk, mem, nil
}
