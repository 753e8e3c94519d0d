//go:build linux

package namedsem

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futex operations, from linux/futex.h.
const (
	futexWait          = 0
	futexWake          = 1
	futexWaitBitset    = 9
	futexClockRealtime = 256
	futexBitsetAny     = 0xffffffff
)

// futexWaitForever sleeps while *addr == val.
func futexWaitForever(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// futexWaitUntil sleeps while *addr == val, until the absolute CLOCK_REALTIME
// deadline.
func futexWaitUntil(addr *uint32, val uint32, deadline *unix.Timespec) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWaitBitset|futexClockRealtime, uintptr(val),
		uintptr(unsafe.Pointer(deadline)), 0, futexBitsetAny)
	if errno != 0 {
		return errno
	}
	return nil
}

// futexWakeN wakes up to n sleepers on addr.
func futexWakeN(addr *uint32, n int) error {
	if n <= 0 || n > math.MaxInt32 {
		n = math.MaxInt32
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWake, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
