// Copyright 2021 Quark Container Authors / 2018 The gVisor Authors.
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

package kernel

import (
	"errors"
	"time"
)

// ErrTimedOut is returned by Blocker.Wait when the deadline passes with no
// interrupt delivered.
var ErrTimedOut = errors.New("timed out")

// Blocker is the task goroutine's interruptible sleep primitive:
// Sigtimedwait and every other blocking syscall in this core park on it,
// and Thread.interrupt wakes it. Wakes are one-shot and latched: a wake
// that arrives before Wait is called is not lost.
type Blocker struct {
	ch chan struct{}
}

// NewBlocker returns a Blocker with no pending wake.
func NewBlocker() *Blocker {
	return &Blocker{ch: make(chan struct{}, 1)}
}

// Wake records a pending wake, waking a concurrent or future Wait exactly
// once.
func (b *Blocker) Wake() {
	select {
	case b.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Wake is called or timeout elapses (timeout <= 0 means
// wait forever).
func (b *Blocker) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-b.ch
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.ch:
		return nil
	case <-timer.C:
		return ErrTimedOut
	}
}
