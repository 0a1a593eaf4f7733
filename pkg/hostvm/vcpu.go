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
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// kvmExitReason mirrors the exit_reason field of struct kvm_run.
type kvmExitReason uint32

// Exit reasons this supervisor handles directly; everything else is
// reported up as an error since this core doesn't implement a full x86
// instruction emulator.
const (
	kvmExitIO       kvmExitReason = 2
	kvmExitHLT      kvmExitReason = 5
	kvmExitMMIO     kvmExitReason = 6
	kvmExitIntr     kvmExitReason = 10
	kvmExitShutdown kvmExitReason = 8
)

// VCPU owns one KVM vCPU file descriptor and its mmap'd kvm_run page. Each
// VCPU runs its KVM_RUN ioctl loop on its own locked OS thread.
type VCPU struct {
	id      int
	fd      int
	runSize int
	run     []byte
}

func newVCPU(vmFD, kvmFD, id, mmapSize, maxCPUIDEntries int) (*VCPU, error) {
	fd, err := createVCPU(vmFD, id)
	if err != nil {
		return nil, err
	}

	if err := setSupportedCPUID(kvmFD, fd, maxCPUIDEntries); err != nil {
		unix.Close(fd)
		return nil, err
	}

	data, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostvm: mmap vcpu %d run struct: %w", id, err)
	}

	return &VCPU{id: id, fd: fd, runSize: mmapSize, run: data}, nil
}

func (v *VCPU) exitReason() kvmExitReason {
	return kvmExitReason(hostEndian.Uint32(v.run[0:4]))
}

// Run drives the vCPU's KVM_RUN loop until the supervisor's exit status
// is set, KVM_RUN fails, or the guest takes a shutdown or unhandled exit;
// a HLT exit re-enters KVM_RUN. It must run on its own locked OS
// thread: KVM vCPU file descriptors are only valid from the thread that
// created them.
func (v *VCPU) Run(exitStatus *exitStatusFlag) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for exitStatus.Running() {
		if _, err := ioctl(v.fd, kvmRun, 0); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("hostvm: vcpu %d KVM_RUN: %w", v.id, err)
		}

		switch v.exitReason() {
		case kvmExitHLT:
			// HLT with interrupts disabled or no pending work: nothing
			// to do but let the scheduler (outside this core's scope)
			// pick the next runnable guest task. Re-entering KVM_RUN is
			// correct since KVM_CAP_X86_DISABLE_EXITS(HLT) was enabled.
			continue
		case kvmExitIO, kvmExitMMIO:
			// Port I/O / MMIO traps are the guest kernel's own
			// shared-space ring doorbell, handled by the IO-thread's
			// ShareSpace poll, not here.
			continue
		case kvmExitIntr:
			continue
		case kvmExitShutdown:
			return fmt.Errorf("hostvm: vcpu %d received KVM_EXIT_SHUTDOWN", v.id)
		default:
			return fmt.Errorf("hostvm: vcpu %d unhandled exit reason %d", v.id, v.exitReason())
		}
	}
	return nil
}

func (v *VCPU) close() error {
	if err := unix.Munmap(v.run); err != nil {
		return err
	}
	return unix.Close(v.fd)
}
