package systemd

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestNotifier() *Notifier {
	return NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// listenNotify points NOTIFY_SOCKET at a fresh datagram socket.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("ListenUnixgram: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readMessage(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return string(buf[:n])
}

func TestReady(t *testing.T) {
	conn := listenNotify(t)
	n := newTestNotifier()

	if !n.Ready("3 children") {
		t.Fatal("Expected message to be sent")
	}
	if got := readMessage(t, conn); got != "READY=1\nSTATUS=3 children" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestStoppingAndStatus(t *testing.T) {
	conn := listenNotify(t)
	n := newTestNotifier()

	n.Status("%d outstanding", 2)
	if got := readMessage(t, conn); got != "STATUS=2 outstanding" {
		t.Errorf("Unexpected status %q", got)
	}
	n.Stopping()
	if got := readMessage(t, conn); got != "STOPPING=1" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestNotSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if newTestNotifier().Ready("") {
		t.Error("Expected no message without NOTIFY_SOCKET")
	}
}

func TestRunWatchdog(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newTestNotifier().RunWatchdog(ctx)
		close(done)
	}()

	if got := readMessage(t, conn); got != "WATCHDOG=1" {
		t.Errorf("Unexpected message %q", got)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watchdog did not stop")
	}
}

func TestRunWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan struct{})
	go func() {
		newTestNotifier().RunWatchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected RunWatchdog to return without a watchdog")
	}
}
