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

package hostvm

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var hostEndian = binary.LittleEndian

// exitStatusFlag is the atomic exit status of the whole VM: -1 while
// running, any other value means the IO-thread loop (and every vCPU
// loop) should terminate.
type exitStatusFlag struct {
	v int32
}

func newExitStatusFlag() *exitStatusFlag {
	return &exitStatusFlag{v: -1}
}

// Running reports whether the supervisor is still meant to be executing
// guest code.
func (e *exitStatusFlag) Running() bool {
	return atomic.LoadInt32(&e.v) == -1
}

// Set stores status, ending the run. Once set, Running never reports
// true again: exitStatusFlag is a one-shot latch.
func (e *exitStatusFlag) Set(status int32) {
	atomic.StoreInt32(&e.v, status)
}

func (e *exitStatusFlag) Get() int32 {
	return atomic.LoadInt32(&e.v)
}

// ShareSpace is the shared-memory ring between guest and host: the guest
// kernel posts completed messages into it and increments a ready counter;
// the host IO-thread drains them and, when idle, blocks on an eventfd the
// guest can signal to avoid a busy host thread.
//
// The actual ring buffer layout (message slots, producer/consumer
// indices) lives in guest/host shared memory this core doesn't allocate;
// ShareSpace wraps the subset of that contract the IO-thread protocol
// depends on: a ready-count accessor and an eventfd pair.
type ShareSpace struct {
	readyCount *int32 // pointer into the shared memory region

	eventFD int // guest -> host wake
	hostFD  int // host -> guest wake (WakeInHost)
}

// NewShareSpace wraps readyCount (a pointer into the guest/host shared
// memory region tracking ReadyOutputMsgCnt) with a pair of eventfds.
func NewShareSpace(readyCount *int32) (*ShareSpace, error) {
	// eventFD is blocking: WaitInHost parks the IO-thread on it until the
	// guest posts a wake. Only hostFD, which is only ever written to, is
	// opened non-blocking.
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	hfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	return &ShareSpace{readyCount: readyCount, eventFD: efd, hostFD: hfd}, nil
}

// ReadyOutputMsgCnt returns the number of guest messages waiting to be
// drained.
func (s *ShareSpace) ReadyOutputMsgCnt() int32 {
	return atomic.LoadInt32(s.readyCount)
}

// WaitInHost blocks the IO-thread on the guest->host eventfd until the
// guest posts a wake (a new message, or a readiness change worth
// re-checking).
func (s *ShareSpace) WaitInHost() error {
	var buf [8]byte
	_, err := unix.Read(s.eventFD, buf[:])
	return err
}

// WakeInHost posts to the host->guest eventfd, telling a guest thread
// blocked waiting for the host to drain its ring that it's done.
func (s *ShareSpace) WakeInHost() error {
	var buf [8]byte
	hostEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.hostFD, buf[:])
	return err
}

// pauseSpin executes a short, bounded busy-wait before the IO-thread
// falls back to blocking on the eventfd.
func pauseSpin(rounds int) {
	for i := 0; i < rounds; i++ {
		// Go has no inline pause/cpu_relax intrinsic; a short timer
		// sleep big enough to yield the P without real busy-spinning is
		// the portable equivalent a Go host loop can use.
		time.Sleep(time.Nanosecond)
	}
}
