//go:build linux || darwin

// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Tracking-state and dispatch behavior. Plain pipes stand in for sockets;
// the reactor only cares about pollable descriptors.

package reactor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/reactor"
)

// makePipe returns a pipe pair closed at test end.
func makePipe(t *testing.T) (rfd, wfd int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newReactor(t *testing.T, opts ...reactor.Option) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func TestTrackUntrackMapSize(t *testing.T) {
	r := newReactor(t)

	var rfds []int
	for i := 0; i < 5; i++ {
		rfd, _ := makePipe(t)
		rfds = append(rfds, rfd)
		r.Track(rfd, nil, nil)
	}
	require.Equal(t, 5, r.TrackedCount())

	for _, fd := range rfds {
		r.Untrack(fd)
	}
	// No callbacks were in flight, so every untrack erased immediately.
	require.Equal(t, 0, r.TrackedCount())
}

func TestNotifyWakesBlockedPollForNewTrack(t *testing.T) {
	r := newReactor(t)

	// Let the poll goroutine settle into an infinite wait on just the
	// self-pipe.
	time.Sleep(50 * time.Millisecond)

	rfd, wfd := makePipe(t)
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	fired := make(chan int, 1)
	r.Track(rfd, func(fd int) {
		var buf [1]byte
		unix.Read(fd, buf[:])
		select {
		case fired <- fd:
		default:
		}
	}, nil)

	// Track's notify must break the infinite wait promptly.
	select {
	case fd := <-fired:
		require.Equal(t, rfd, fd)
	case <-time.After(time.Second):
		t.Fatal("tracked readable fd was never dispatched")
	}

	r.Untrack(rfd)
	r.WaitForRemoval(rfd)
}

func TestSingleCallbackInFlightPerDirection(t *testing.T) {
	// More workers than needed: the in-flight flag, not pool size, must
	// serialize dispatches for one direction.
	r := newReactor(t, reactor.WithWorkers(4))

	rfd, wfd := makePipe(t)
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	var (
		running    atomic.Int32
		maxSeen    atomic.Int32
		dispatches atomic.Int32
	)
	// Never consumes the byte: the fd stays level-triggered readable, so
	// the reactor re-dispatches after each completion.
	r.Track(rfd, func(fd int) {
		cur := running.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		dispatches.Add(1)
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	}, nil)

	time.Sleep(200 * time.Millisecond)
	r.Untrack(rfd)
	r.WaitForRemoval(rfd)

	require.GreaterOrEqual(t, dispatches.Load(), int32(2),
		"level-triggered readiness should re-dispatch after completion")
	require.Equal(t, int32(1), maxSeen.Load(),
		"two workers ran the read callback concurrently")
}

func TestUntrackDeferredWhileCallbackRuns(t *testing.T) {
	r := newReactor(t, reactor.WithWorkers(1))

	rfd, wfd := makePipe(t)
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	started := make(chan struct{})
	finished := make(chan struct{})
	r.Track(rfd, func(fd int) {
		var buf [1]byte
		unix.Read(fd, buf[:])
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
	}, nil)

	<-started
	r.Untrack(rfd)

	// The callback is still executing: the entry must persist.
	require.Equal(t, 1, r.TrackedCount())

	begin := time.Now()
	r.WaitForRemoval(rfd)
	elapsed := time.Since(begin)

	select {
	case <-finished:
	default:
		t.Fatal("WaitForRemoval returned while the callback was still running")
	}
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond,
		"WaitForRemoval returned before the in-flight callback completed")
	require.Equal(t, 0, r.TrackedCount())
}

func TestNoDispatchAfterRemovalUntilRetracked(t *testing.T) {
	r := newReactor(t)

	rfd, wfd := makePipe(t)
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	var calls atomic.Int32
	drain := func(fd int) {
		var buf [1]byte
		unix.Read(fd, buf[:])
		calls.Add(1)
	}

	r.Track(rfd, drain, nil)
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, time.Millisecond)

	r.Untrack(rfd)
	r.WaitForRemoval(rfd)

	// Readable again, but untracked: nothing may fire.
	_, err = unix.Write(wfd, []byte("y"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	// Re-tracking resumes dispatch.
	r.Track(rfd, drain, nil)
	require.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, time.Millisecond)

	r.Untrack(rfd)
	r.WaitForRemoval(rfd)
}

func TestWriteInterestClearedBySetCallback(t *testing.T) {
	r := newReactor(t)

	rfd, wfd := makePipe(t)
	_ = rfd

	fired := make(chan struct{}, 1)
	// An empty pipe's write end is immediately writable.
	r.Track(wfd, nil, func(fd int) {
		select {
		case fired <- struct{}{}:
		default:
		}
		// Drop interest from inside the callback, as the client's write
		// pipeline does when its queue drains.
		r.SetWriteCallback(fd, nil)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("write-ready callback never fired")
	}

	// Interest was dropped; the still-writable fd must not redispatch.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("write callback fired after interest was cleared")
	default:
	}

	r.Untrack(wfd)
	r.WaitForRemoval(wfd)
}

func TestSetWorkersForwardsToPool(t *testing.T) {
	r := newReactor(t)
	r.SetWorkers(3)

	// Three concurrent read callbacks on three distinct fds prove the
	// resize took effect.
	var running atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		rfd, wfd := makePipe(t)
		_, err := unix.Write(wfd, []byte("x"))
		require.NoError(t, err)
		r.Track(rfd, func(fd int) {
			var buf [1]byte
			unix.Read(fd, buf[:])
			cur := running.Add(1)
			for {
				prev := peak.Load()
				if cur <= prev || peak.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
		}, nil)
	}

	require.Eventually(t, func() bool { return peak.Load() == 3 },
		2*time.Second, time.Millisecond)
	close(release)
}

func TestDefaultReactorIsShared(t *testing.T) {
	r1, err := reactor.Default()
	require.NoError(t, err)
	r2, err := reactor.Default()
	require.NoError(t, err)
	require.Same(t, r1, r2)
}
