// Package process provides child process lifecycle management on Linux.
//
// The package offers three levels of abstraction:
//
// Handle wraps a single fork/exec of an external program:
//   - Executable resolution (explicit path or search path at spawn time)
//   - Optional stdout/stderr capture through pipes
//   - Synchronous execution with an optional polling timeout
//   - Escalating kill: SIGTERM, then SIGINT, then SIGKILL
//   - Incremental, poll-bounded reads while the child is still running
//   - Captured output re-split into trimmed lines on every access
//
// Manager owns the asynchronous side:
//   - A registry of outstanding children keyed by pid
//   - A SIGCHLD dispatcher goroutine that reaps every collectable child
//     per delivery, since one delivery may stand for several exits
//   - Explicit polling through AsyncPoll for callers that prefer it
//   - Exactly one finalization per spawn, whichever path sees the exit first
//
// Pool tracks named children started from command strings for the HTTP API.
//
// Example usage with Manager:
//
//	mgr := process.NewManager()
//	defer mgr.Shutdown(context.Background())
//
//	h := process.NewHandle("sleep", process.WithName("nap"))
//	h.OnChildDeath(func(h *process.Handle) {
//	    log.Printf("%s exited with %d", h.Name(), h.Status())
//	})
//	if err := mgr.AsyncExecute(h, []string{"1"}, process.CaptureNone); err != nil {
//	    log.Fatal(err)
//	}
//	<-h.Done()
package process
