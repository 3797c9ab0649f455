// File: internal/notify/notifier.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-pipe notifier. Both ends are non-blocking: the write end so a full
// pipe never blocks a user goroutine, the read end so ClearBuffer can drain
// everything buffered without stalling the poll thread.

package notify

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier is a one-byte wake-up channel. Multiple Notify calls between two
// poll waits collapse into a single wake.
type Notifier struct {
	rfd int
	wfd int
}

// New creates the pipe pair.
func New() (*Notifier, error) {
	r, w, err := newPipe()
	if err != nil {
		return nil, fmt.Errorf("notify pipe: %w", err)
	}
	return &Notifier{rfd: r, wfd: w}, nil
}

// ReadFD returns the descriptor to register in the poll wait.
func (n *Notifier) ReadFD() int { return n.rfd }

// Notify writes one byte to the pipe. A full pipe already guarantees a
// pending wake, so EAGAIN is not an error.
func (n *Notifier) Notify() {
	_, err := unix.Write(n.wfd, []byte{0})
	for err == unix.EINTR {
		_, err = unix.Write(n.wfd, []byte{0})
	}
}

// ClearBuffer drains all buffered bytes so the read end is no longer
// readable.
func (n *Notifier) ClearBuffer() {
	var buf [64]byte
	for {
		nr, err := unix.Read(n.rfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if nr <= 0 || err != nil {
			return
		}
	}
}

// Close releases both descriptors.
func (n *Notifier) Close() error {
	err1 := unix.Close(n.rfd)
	err2 := unix.Close(n.wfd)
	if err1 != nil {
		return err1
	}
	return err2
}
