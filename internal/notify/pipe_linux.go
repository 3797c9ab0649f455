//go:build linux

// File: internal/notify/pipe_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package notify

import "golang.org/x/sys/unix"

// newPipe creates a non-blocking close-on-exec pipe pair in one syscall.
func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
