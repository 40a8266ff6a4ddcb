//go:build !unix

package lockfile

// isProcessRunning reports whether the PID's owner is still alive. Without
// a zero-signal probe on this platform we assume it is; stale locks then
// clear only by age, never by liveness.
func isProcessRunning(pid int) bool {
	return pid > 0
}
