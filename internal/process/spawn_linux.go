//go:build linux

package process

import (
	"errors"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// spawned describes a freshly forked child.
type spawned struct {
	pid      int
	stdoutFD int
	stderrFD int
}

// forkExec starts path with argv[0] set to its base name. Captured streams
// get a pipe whose read end is returned; the others are inherited from the
// parent.
func forkExec(path string, searchPath bool, args []string, capture Capture, dir string, env []string) (spawned, error) {
	res := spawned{pid: -1, stdoutFD: -1, stderrFD: -1}

	argv0 := filepath.Base(path)
	if searchPath {
		found, err := exec.LookPath(path)
		if err != nil {
			return res, newError(ErrCodeNotFound, "Executable not found in search path", err)
		}
		path = found
	}

	files := []uintptr{uintptr(unix.Stdin), uintptr(unix.Stdout), uintptr(unix.Stderr)}
	var outPipe, errPipe [2]int
	var toClose []int

	closeAll := func() {
		for _, fd := range toClose {
			_ = unix.Close(fd)
		}
	}

	if capture&CaptureStdout != 0 {
		if err := unix.Pipe2(outPipe[:], unix.O_CLOEXEC); err != nil {
			return res, newError(errnoCode(err), "Creating pipe for stdout", err)
		}
		toClose = append(toClose, outPipe[0], outPipe[1])
		files[1] = uintptr(outPipe[1])
	}
	if capture&CaptureStderr != 0 {
		if err := unix.Pipe2(errPipe[:], unix.O_CLOEXEC); err != nil {
			closeAll()
			return res, newError(errnoCode(err), "Creating pipe for stderr", err)
		}
		toClose = append(toClose, errPipe[0], errPipe[1])
		files[2] = uintptr(errPipe[1])
	}

	argv := append([]string{argv0}, args...)
	attr := &syscall.ProcAttr{
		Dir:   dir,
		Env:   env,
		Files: files,
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		closeAll()
		msg := "Fork failed"
		var errno syscall.Errno
		if errors.As(err, &errno) && (errno == syscall.ENOENT || errno == syscall.EACCES || errno == syscall.ENOEXEC) {
			msg = "Exec failed"
		}
		return res, newError(errnoCode(err), msg, err)
	}
	res.pid = pid

	if capture&CaptureStdout != 0 {
		_ = unix.Close(outPipe[1])
		res.stdoutFD = outPipe[0]
	}
	if capture&CaptureStderr != 0 {
		_ = unix.Close(errPipe[1])
		res.stderrFD = errPipe[0]
	}
	return res, nil
}

// wait4 retries interrupted waits.
func wait4(pid int, ws *unix.WaitStatus, options int) (int, error) {
	for {
		wpid, err := unix.Wait4(pid, ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, err
	}
}

// waitExitable blocks until pid can be reaped, without reaping it.
func waitExitable(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// signalExists reports whether a zero signal reaches pid.
func signalExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
