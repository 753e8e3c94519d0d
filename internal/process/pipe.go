//go:build linux

package process

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const readChunk = 4096

// PipeReader accumulates the bytes a child writes to one captured stream.
// It drains either fully once the child is gone, or incrementally while it
// runs, bounded by a poll timeout.
type PipeReader struct {
	readMu sync.Mutex // held for every read on fd
	fd     int

	mu     sync.Mutex
	raw    []byte
	delims string
	trim   string
}

func newPipeReader(delims, trim string) *PipeReader {
	return &PipeReader{fd: -1, delims: delims, trim: trim}
}

// attach replaces the underlying descriptor and clears accumulated output.
func (r *PipeReader) attach(fd int) {
	r.readMu.Lock()
	if r.fd >= 0 {
		_ = unix.Close(r.fd)
	}
	r.fd = fd
	r.readMu.Unlock()

	r.mu.Lock()
	r.raw = r.raw[:0]
	r.mu.Unlock()
}

// Open reports whether the pipe still has an open read end.
func (r *PipeReader) Open() bool {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return r.fd >= 0
}

// ReadAll blocks until EOF, then closes the pipe. It returns the number of
// bytes read by this call.
func (r *PipeReader) ReadAll() int {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	if r.fd < 0 {
		return 0
	}

	var buf [readChunk]byte
	total := 0
	for {
		n, err := unix.Read(r.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			break
		}
		r.append(buf[:n])
		total += n
	}

	_ = unix.Close(r.fd)
	r.fd = -1
	return total
}

// ReadAvailable waits up to timeout for data and performs at most one read.
// A zero timeout returns immediately and a negative one blocks until data or
// EOF. It returns the bytes read, 0 when nothing is available right now, or
// -1 on an unrecoverable error. Interrupted and would-block conditions count
// as nothing available.
func (r *PipeReader) ReadAvailable(timeout time.Duration) int {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	if r.fd < 0 {
		return 0
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return 0
		}
		return -1
	}
	if ready <= 0 {
		return 0
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return -1
	}
	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		return 0
	}

	var buf [readChunk]byte
	n, err := unix.Read(r.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return 0
		}
		return -1
	}
	if n <= 0 {
		return 0
	}
	r.append(buf[:n])
	return n
}

// Close releases the read end without draining it.
func (r *PipeReader) Close() {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	if r.fd >= 0 {
		_ = unix.Close(r.fd)
		r.fd = -1
	}
}

func (r *PipeReader) append(b []byte) {
	r.mu.Lock()
	r.raw = append(r.raw, b...)
	r.mu.Unlock()
}

// Raw returns everything read so far.
func (r *PipeReader) Raw() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.raw)
}

// Lines re-splits the accumulated bytes. The split is rebuilt on every call
// so bytes appended by a concurrent read are always reflected.
func (r *PipeReader) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SplitLines(string(r.raw), r.delims, r.trim)
}

// setSplit changes the delimiter and trim sets used by Lines.
func (r *PipeReader) setSplit(delims, trim string) {
	r.mu.Lock()
	r.delims, r.trim = delims, trim
	r.mu.Unlock()
}
