package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/arena"
)

// Command is one block transfer handed to a Backend. Offset and Length are in bytes, the data moves between the
// device and the start of Buf's memory.
type Command struct {
	Write  bool
	Buf    *arena.Buffer
	Offset int64
	Length int
	Tag    uint64
}

// Result reports the completion of the command carrying Tag.
type Result struct {
	Tag uint64
	Err error
}

// Backend is one hardware command queue.
type Backend interface {
	// Submit queues cmd. ErrQueueFull means the queue has no room until completions are reaped.
	Submit(cmd Command) error

	// Reap returns the completions available, waiting up to timeout for the first one. A zero timeout never blocks.
	Reap(timeout time.Duration) ([]Result, error)

	Close() error
}

// Token identifies a submitted command for Wait.
type Token struct {
	queue int
	tag   uint64
}

func (t Token) Queue() int { return t.queue }

// CommandError is a command the device completed with an error.
type CommandError struct {
	Queue  int
	Write  bool
	LBA    uint64
	Blocks int
	Err    error
}

func (e *CommandError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("%s of %d blocks at lba %d on queue %d: %v", op, e.Blocks, e.LBA, e.Queue, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type pendingCommand struct {
	write  bool
	lba    uint64
	blocks int
}

type storageQueue struct {
	index    int
	backend  Backend
	nextTag  uint64
	pending  map[uint64]pendingCommand
	inflight int
	done     map[uint64]error
}

// Storage drives one Backend per queue. Submissions return at once with a Token, completions are collected by Wait.
type Storage struct {
	l         *logrus.Logger
	blockSize int
	depth     int
	queues    []*storageQueue
}

var _ StorageQueue = (*Storage)(nil)

// NewStorage takes ownership of backends, queue i being backends[i].
func NewStorage(backends []Backend, options ...Option) (*Storage, error) {
	if len(backends) == 0 {
		return nil, errors.New("no command queues to drive")
	}

	o := defaultOptions()
	o.apply(options)
	if err := o.validate(); err != nil {
		return nil, err
	}

	s := &Storage{
		l:         o.l,
		blockSize: o.blockSize,
		depth:     o.depth,
		queues:    make([]*storageQueue, len(backends)),
	}
	for i, b := range backends {
		s.queues[i] = &storageQueue{
			index:   i,
			backend: b,
			pending: make(map[uint64]pendingCommand),
			done:    make(map[uint64]error),
		}
	}
	return s, nil
}

func (s *Storage) Kind() Kind     { return KindStorage }
func (s *Storage) Queues() int    { return len(s.queues) }
func (s *Storage) BlockSize() int { return s.blockSize }
func (s *Storage) MaxBatch() int  { return s.depth }

// InFlight is the number of commands submitted on queue and not yet reaped.
func (s *Storage) InFlight(queue int) int {
	checkQueue(queue, len(s.queues))
	return s.queues[queue].inflight
}

// SubmitRead reads blocks blocks at lba into the start of buf.
func (s *Storage) SubmitRead(buf *arena.Buffer, lba uint64, blocks int, queue int) (Token, error) {
	return s.submit(false, buf, lba, blocks, queue)
}

// SubmitWrite writes blocks blocks at lba from the start of buf.
func (s *Storage) SubmitWrite(buf *arena.Buffer, lba uint64, blocks int, queue int) (Token, error) {
	return s.submit(true, buf, lba, blocks, queue)
}

func (s *Storage) submit(write bool, buf *arena.Buffer, lba uint64, blocks int, queue int) (Token, error) {
	checkQueue(queue, len(s.queues))
	q := s.queues[queue]

	if blocks <= 0 {
		return Token{}, fmt.Errorf("%w: %d blocks", ErrInvalidCommand, blocks)
	}
	length := blocks * s.blockSize
	if buf.Size() < length {
		return Token{}, fmt.Errorf("%w: %d bytes for %d blocks of %d", ErrShortBuffer, buf.Size(), blocks, s.blockSize)
	}

	if q.inflight >= s.depth {
		if err := s.reap(q, 0); err != nil {
			return Token{}, err
		}
		if q.inflight >= s.depth {
			return Token{}, ErrQueueFull
		}
	}

	tag := q.nextTag
	cmd := Command{
		Write:  write,
		Buf:    buf,
		Offset: int64(lba) * int64(s.blockSize),
		Length: length,
		Tag:    tag,
	}
	if err := q.backend.Submit(cmd); err != nil {
		return Token{}, err
	}

	q.nextTag++
	q.inflight++
	q.pending[tag] = pendingCommand{write: write, lba: lba, blocks: blocks}
	return Token{queue: queue, tag: tag}, nil
}

// Wait waits up to timeout for the command of tok. Completions of other commands seen meanwhile are kept for their
// own Wait. A timed out command is still in flight and can be waited for again.
func (s *Storage) Wait(tok Token, timeout time.Duration) error {
	checkQueue(tok.queue, len(s.queues))
	q := s.queues[tok.queue]

	deadline := time.Now().Add(timeout)
	expired := false
	for {
		if err, ok := q.done[tok.tag]; ok {
			delete(q.done, tok.tag)
			return err
		}
		if _, ok := q.pending[tok.tag]; !ok {
			return ErrUnknownToken
		}
		if expired {
			return ErrTimeout
		}

		// The last reap happens at or after the deadline so a zero timeout still polls once.
		remaining := time.Until(deadline)
		expired = remaining <= 0
		if err := s.reap(q, max(remaining, 0)); err != nil {
			return err
		}
	}
}

func (s *Storage) reap(q *storageQueue, timeout time.Duration) error {
	results, err := q.backend.Reap(timeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSync, err)
	}

	for _, r := range results {
		cmd, ok := q.pending[r.Tag]
		if !ok {
			s.l.WithField("tag", r.Tag).Warn("Completion for an unknown command")
			continue
		}
		delete(q.pending, r.Tag)
		q.inflight--

		if r.Err != nil {
			q.done[r.Tag] = &CommandError{
				Queue:  q.index,
				Write:  cmd.write,
				LBA:    cmd.lba,
				Blocks: cmd.blocks,
				Err:    r.Err,
			}
			continue
		}
		q.done[r.Tag] = nil
	}
	return nil
}

func (s *Storage) Close() error {
	var errs []error
	for i, q := range s.queues {
		if q.inflight > 0 {
			s.l.WithField("queue", i).WithField("inflight", q.inflight).Warn("Closing queue with commands in flight")
		}
		if err := q.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
