//go:build linux

package namedsem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared layout: the count followed by the number of sleepers.
const (
	valueOffset   = 0
	waitersOffset = 4
	segmentSize   = 8
)

// Semaphore is a handle on a named semaphore. The zero handle is closed;
// Create or Open attaches it. Increment and Decrement panic on a closed
// handle.
type Semaphore struct {
	name string

	mu      sync.RWMutex
	mem     []byte
	value   *uint32
	waiters *uint32
}

// New returns a closed handle for name. A leading slash is added when
// missing.
func New(name string) *Semaphore {
	return &Semaphore{name: normalize(name)}
}

// Name returns the normalized name.
func (s *Semaphore) Name() string {
	return s.name
}

// IsOpen reports whether the handle is attached.
func (s *Semaphore) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem != nil
}

// Create makes a new semaphore with the given permission and initial count
// and attaches to it. If the name is taken, Create returns ErrExists unless
// openIfExists is set, in which case it opens the existing one.
func (s *Semaphore) Create(openIfExists bool, mode os.FileMode, initial uint32) error {
	base, err := fileName(s.name)
	if err != nil {
		return err
	}
	path := filepath.Join(shmDir, base)

	tmp, err := os.CreateTemp(shmDir, "."+base+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", s.name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var seg [segmentSize]byte
	binary.NativeEndian.PutUint32(seg[valueOffset:], initial)
	if _, err := tmp.Write(seg[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("create %s: %w", s.name, err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("create %s: %w", s.name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("create %s: %w", s.name, err)
	}

	// link(2) publishes a fully initialized file or fails with EEXIST.
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			if openIfExists {
				return s.Open()
			}
			return ErrExists
		}
		return fmt.Errorf("create %s: %w", s.name, err)
	}
	return s.Open()
}

// Open attaches to an existing semaphore.
func (s *Semaphore) Open() error {
	base, err := fileName(s.name)
	if err != nil {
		return err
	}
	path := filepath.Join(shmDir, base)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return ErrNotExist
		}
		return fmt.Errorf("open %s: %w", s.name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat %s: %w", s.name, err)
	}
	if st.Size < segmentSize {
		return fmt.Errorf("open %s: backing file is %d bytes", s.name, st.Size)
	}

	mem, err := unix.Mmap(fd, 0, segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem != nil {
		_ = unix.Munmap(s.mem)
	}
	s.mem = mem
	s.value = (*uint32)(unsafe.Pointer(&mem[valueOffset]))
	s.waiters = (*uint32)(unsafe.Pointer(&mem[waitersOffset]))
	return nil
}

// Increment adds one to the count and wakes a sleeper if there is one.
func (s *Semaphore) Increment() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mustBeOpen("Increment")

	for {
		v := atomic.LoadUint32(s.value)
		if v == math.MaxUint32 {
			panic(fmt.Sprintf("namedsem: %s: count overflow", s.name))
		}
		if atomic.CompareAndSwapUint32(s.value, v, v+1) {
			break
		}
	}
	if atomic.LoadUint32(s.waiters) > 0 {
		if err := futexWakeN(s.value, 1); err != nil {
			panic(fmt.Sprintf("namedsem: %s: futex wake: %v", s.name, err))
		}
	}
}

// Decrement takes one from the count.
//
// A blocked Decrement holds the handle, so Close waits for it to return.
//
// A zero timeout blocks until the count is positive. A positive timeout
// blocks until an absolute wall-clock deadline and returns false with
// ErrTimeout once it passes. A negative timeout tries once and returns
// false, nil when the count is zero. Interrupted sleeps are retried. Any
// other failure panics.
func (s *Semaphore) Decrement(timeout time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mustBeOpen("Decrement")

	if s.tryDecrement() {
		return true, nil
	}
	if timeout < 0 {
		return false, nil
	}

	var deadline *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(time.Now().Add(timeout).UnixNano())
		deadline = &ts
	}

	for {
		atomic.AddUint32(s.waiters, 1)
		var err error
		if deadline == nil {
			err = futexWaitForever(s.value, 0)
		} else {
			err = futexWaitUntil(s.value, 0, deadline)
		}
		atomic.AddUint32(s.waiters, ^uint32(0))

		if s.tryDecrement() {
			return true, nil
		}
		switch {
		case err == nil, errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		case errors.Is(err, unix.ETIMEDOUT):
			return false, ErrTimeout
		default:
			panic(fmt.Sprintf("namedsem: %s: futex wait: %v", s.name, err))
		}
	}
}

func (s *Semaphore) tryDecrement() bool {
	for {
		v := atomic.LoadUint32(s.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.value, v, v-1) {
			return true
		}
	}
}

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mustBeOpen("Value")
	return atomic.LoadUint32(s.value)
}

// Close detaches the handle. The semaphore itself stays until destroyed.
func (s *Semaphore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBeOpen("Close")

	err := unix.Munmap(s.mem)
	s.mem, s.value, s.waiters = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}

// Destroy removes the name. Handles that are already open keep working.
func (s *Semaphore) Destroy() error {
	return Destroy(s.name)
}

// Destroy removes the semaphore called name.
func Destroy(name string) error {
	base, err := fileName(normalize(name))
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(shmDir, base)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("destroy %s: %w", name, err)
	}
	return nil
}

// mustBeOpen panics on a detached handle. Callers hold s.mu.
func (s *Semaphore) mustBeOpen(op string) {
	if s.mem == nil {
		panic(fmt.Sprintf("namedsem: %s on closed semaphore %s", op, s.name))
	}
}
