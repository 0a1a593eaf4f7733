// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fdnotifier bridges host file descriptor readiness into guest
// waiter.Queues. Every host FD backing a guest File that can block is
// registered here exactly once; the notifier keeps the submission ring's
// outstanding poll in sync with the union of event masks every registered
// waiter cares about.
package fdnotifier

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kvmguest/qkernel/pkg/ring"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

var log = logrus.WithField("pkg", "fdnotifier")

// fdInfo is the per-FD bookkeeping entry: the queue callers registered
// interest on, the mask currently submitted to the ring, and the token
// identifying that submission.
type fdInfo struct {
	queue    *waiter.Queue
	mask     waiter.EventMask
	token    ring.PollToken
	hasToken bool
}

// Notifier owns the host-FD -> waiter.Queue map and keeps the submission
// ring's outstanding polls in sync with it. There is exactly one Notifier
// per guest kernel instance; AddFD/RemoveFD panic on misuse because a
// double-add or a remove of an untracked FD indicates a bookkeeping bug in
// the caller (a host inode registering twice, or unregistering after it
// already tore down), not a recoverable runtime condition.
type Notifier struct {
	mu    sync.Mutex
	fdMap map[int32]*fdInfo
	ring  ring.SubmissionRing
}

// New returns a Notifier that submits polls through r.
func New(r ring.SubmissionRing) *Notifier {
	return &Notifier{
		fdMap: make(map[int32]*fdInfo),
		ring:  r,
	}
}

// waitfd resubmits fd's poll if mask differs from what's currently
// outstanding. Must be called with n.mu held.
func (n *Notifier) waitfd(fd int32, fi *fdInfo, mask waiter.EventMask) error {
	if fi.mask == mask {
		return nil
	}

	if fi.hasToken {
		if err := n.ring.AsyncPollRemove(fi.token); err != nil {
			log.WithError(err).WithField("fd", fd).Warn("poll remove failed")
		}
		fi.hasToken = false
	}

	if mask != 0 {
		token, err := n.ring.AsyncPollAdd(fd, uint32(mask))
		if err != nil {
			return err
		}
		fi.token = token
		fi.hasToken = true
	}

	fi.mask = mask
	return nil
}

// UpdateFD resubmits fd's poll to match the current union of masks every
// waiter registered on its queue cares about. It is a silent no-op if fd
// is not tracked: callers update unconditionally after every
// EventRegister/EventUnregister without first checking whether the FD is
// one fdnotifier manages.
func (n *Notifier) UpdateFD(fd int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	fi, ok := n.fdMap[fd]
	if !ok {
		return nil
	}
	return n.waitfd(fd, fi, fi.queue.Events())
}

// AddFD starts tracking fd, associating it with queue. It panics if fd is
// already tracked.
func (n *Notifier) AddFD(fd int32, queue *waiter.Queue) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.fdMap[fd]; ok {
		panic("fdnotifier: AddFD called twice for same fd")
	}
	n.fdMap[fd] = &fdInfo{queue: queue}
}

// RemoveFD stops tracking fd, canceling any outstanding poll. It panics if
// fd is not tracked.
func (n *Notifier) RemoveFD(fd int32) {
	n.mu.Lock()
	defer n.mu.Unlock()

	fi, ok := n.fdMap[fd]
	if !ok {
		panic("fdnotifier: RemoveFD called for untracked fd")
	}
	delete(n.fdMap, fd)

	if fi.hasToken {
		if err := n.ring.AsyncPollRemove(fi.token); err != nil {
			log.WithError(err).WithField("fd", fd).Warn("poll remove failed")
		}
	}
}

// Notify wakes every waiter registered on fd's queue for an event in mask.
// It is a silent no-op if fd is not tracked.
func (n *Notifier) Notify(fd int32, mask waiter.EventMask) {
	n.mu.Lock()
	fi, ok := n.fdMap[fd]
	n.mu.Unlock()

	if !ok {
		return
	}
	fi.queue.Notify(mask)
}

// NonBlockingPoll issues a zero-timeout host poll(2) on fd and translates
// the result back into a waiter.EventMask, used by Readiness
// implementations that need a synchronous readiness check rather than
// waiting on an async submission.
func NonBlockingPoll(fd int32, mask waiter.EventMask) waiter.EventMask {
	events := int16(0)
	if mask&waiter.EventIn != 0 {
		events |= unix.POLLIN
	}
	if mask&waiter.EventOut != 0 {
		events |= unix.POLLOUT
	}
	if mask&waiter.EventErr != 0 {
		events |= unix.POLLERR
	}
	if mask&waiter.EventHUp != 0 {
		events |= unix.POLLHUP
	}

	pfd := []unix.PollFd{{Fd: fd, Events: events}}
	for {
		_, err := unix.Poll(pfd, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}

	var result waiter.EventMask
	if pfd[0].Revents&unix.POLLIN != 0 {
		result |= waiter.EventIn
	}
	if pfd[0].Revents&unix.POLLOUT != 0 {
		result |= waiter.EventOut
	}
	if pfd[0].Revents&unix.POLLERR != 0 {
		result |= waiter.EventErr
	}
	if pfd[0].Revents&unix.POLLHUP != 0 {
		result |= waiter.EventHUp
	}
	return result & mask
}
