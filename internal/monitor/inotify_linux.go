package monitor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/modula-sync/modula/internal/logging"
)

const defaultBackend = BackendInotify

// readBufferSize is the fixed notification buffer. A partial fill is normal.
const readBufferSize = 8192

// inotifyNotifier multiplexes one inotify instance and one eventfd through
// epoll. The epoll set never holds anything else.
type inotifyNotifier struct {
	log *logging.Logger

	inotifyFD int
	eventFD   int
	epollFD   int

	mu      sync.Mutex
	watches map[int]string

	buf      [readBufferSize]byte
	discards atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newInotifyNotifier(log *logging.Logger) (notifier, error) {
	n := &inotifyNotifier{
		log:       log,
		inotifyFD: -1,
		eventFD:   -1,
		epollFD:   -1,
		watches:   make(map[int]string),
	}

	var err error
	n.inotifyFD, err = unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to start inotify instance: %w", err)
	}

	n.eventFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create termination eventfd: %w", err)
	}

	n.epollFD, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}

	for _, fd := range []int{n.inotifyFD, n.eventFD} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(n.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			n.close()
			return nil, fmt.Errorf("failed to register fd %d with epoll: %w", fd, err)
		}
	}

	return n, nil
}

func (n *inotifyNotifier) watch(dir string) (int, error) {
	wd, err := unix.InotifyAddWatch(n.inotifyFD, dir, watchMask)
	if err != nil {
		return -1, fmt.Errorf("failed to add inotify watch for %s: %w", dir, err)
	}

	n.mu.Lock()
	n.watches[wd] = dir
	n.mu.Unlock()
	return wd, nil
}

func (n *inotifyNotifier) offload(deliver func([]Event)) error {
	ready := make([]unix.EpollEvent, 2)

	for {
		count, err := unix.EpollWait(n.epollFD, ready, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait failed: %w", err)
		}

		for i := 0; i < count; i++ {
			switch int(ready[i].Fd) {
			case n.eventFD:
				n.drainEventFD()
				return nil
			case n.inotifyFD:
				bucket, err := n.read()
				if err != nil {
					return err
				}
				if len(bucket) > 0 {
					deliver(bucket)
				}
			}
		}
	}
}

// read performs one read of the notification buffer and decodes it. An
// empty non-blocking read is not an error.
func (n *inotifyNotifier) read() ([]Event, error) {
	var (
		size int
		err  error
	)
	for {
		size, err = unix.Read(n.inotifyFD, n.buf[:])
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inotify buffer: %w", err)
	}

	var bucket []Event
	for rec, err := range parseRecords(n.buf[:size]) {
		if err != nil {
			n.discards.Add(1)
			n.log.Error("discarding remainder of notification buffer", logging.Fields{"error": err.Error()})
			break
		}
		if rec.Mask&unix.IN_Q_OVERFLOW != 0 {
			n.log.Warn("inotify queue overflowed, events were lost", nil)
			continue
		}
		if rec.Name == "" {
			n.discards.Add(1)
			continue
		}
		action, ok := actionForMask(rec.Mask)
		if !ok {
			n.discards.Add(1)
			continue
		}
		bucket = append(bucket, Event{WatchID: int(rec.WatchID), Action: action, Name: rec.Name})
	}
	return bucket, nil
}

func (n *inotifyNotifier) drainEventFD() {
	var b [8]byte
	unix.Read(n.eventFD, b[:])
}

func (n *inotifyNotifier) interrupt() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(n.eventFD, b[:]); err != nil {
		return fmt.Errorf("failed to signal termination eventfd: %w", err)
	}
	return nil
}

func (n *inotifyNotifier) dropped() int64 {
	return n.discards.Load()
}

func (n *inotifyNotifier) close() error {
	n.closeOnce.Do(func() {
		var errs []error

		n.mu.Lock()
		for wd, dir := range n.watches {
			if _, err := unix.InotifyRmWatch(n.inotifyFD, uint32(wd)); err != nil && !errors.Is(err, unix.EINVAL) {
				errs = append(errs, fmt.Errorf("failed to remove watch for %s: %w", dir, err))
			}
		}
		clear(n.watches)
		n.mu.Unlock()

		for _, fd := range []int{n.epollFD, n.eventFD, n.inotifyFD} {
			if fd < 0 {
				continue
			}
			if err := unix.Close(fd); err != nil {
				errs = append(errs, err)
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}

var _ notifier = (*inotifyNotifier)(nil)
