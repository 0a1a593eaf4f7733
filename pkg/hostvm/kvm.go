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
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers, straight out of <linux/kvm.h>. This core
// talks to /dev/kvm directly through unix.Syscall rather than cgo; no
// dependency in this module wraps the KVM ioctl surface.
const (
	kvmGetAPIVersion     = 0xAE00
	kvmCreateVM          = 0xAE01
	kvmGetVCPUMmapSize   = 0xAE04
	kvmGetSupportedCPUID = 0xC008AE05
	kvmCreateVCPU        = 0xAE41
	kvmSetUserMemRegion  = 0x4020AE46
	kvmSetCPUID2         = 0x4008AE90
	kvmEnableCap         = 0x4068AEA3
	kvmRun               = 0xAE80
)

// KVM_CAP_X86_DISABLE_EXITS and the HLT/MWAIT exit-disable bits, used to
// tell KVM not to trap HLT/MWAIT into the host.
const (
	capX86DisableExits = 223
	disableExitsHLT    = 1 << 0
	disableExitsMWAIT  = 1 << 1
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmEnableCapArgs mirrors struct kvm_enable_cap.
type kvmEnableCapArgs struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	Pad   [64]byte
}

// kvmCPUID2 mirrors the variable-length struct kvm_cpuid2 header; the
// entry array is appended by the caller as raw bytes sized by NEnt.
type kvmCPUID2Header struct {
	NEnt    uint32
	Padding uint32
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

// kvmSystem is the open /dev/kvm handle, the parent of every VM a process
// creates.
type kvmSystem struct {
	fd int
}

func openKVM() (*kvmSystem, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostvm: open /dev/kvm: %w", err)
	}
	if _, err := ioctl(fd, kvmGetAPIVersion, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostvm: KVM_GET_API_VERSION: %w", err)
	}
	return &kvmSystem{fd: fd}, nil
}

func (k *kvmSystem) close() error {
	return unix.Close(k.fd)
}

func (k *kvmSystem) createVM() (int, error) {
	r, err := ioctl(k.fd, kvmCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("hostvm: KVM_CREATE_VM: %w", err)
	}
	return int(r), nil
}

func (k *kvmSystem) vcpuMmapSize() (int, error) {
	r, err := ioctl(k.fd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("hostvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(r), nil
}

// setUserMemoryRegion installs one KVM_SET_USER_MEMORY_REGION slot whose
// guest physical address space is the host userspace mapping verbatim.
func setUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, userspaceAddr, size uint64) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: userspaceAddr,
	}
	if _, err := ioctl(vmFD, kvmSetUserMemRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// enableX86DisableExits enables KVM_CAP_X86_DISABLE_EXITS for HLT and
// MWAIT on vmFD.
func enableX86DisableExits(vmFD int) error {
	cap := kvmEnableCapArgs{
		Cap: capX86DisableExits,
	}
	cap.Args[0] = disableExitsHLT | disableExitsMWAIT
	if _, err := ioctl(vmFD, kvmEnableCap, uintptr(unsafe.Pointer(&cap))); err != nil {
		return fmt.Errorf("hostvm: KVM_ENABLE_CAP(X86_DISABLE_EXITS): %w", err)
	}
	return nil
}

func createVCPU(vmFD int, id int) (int, error) {
	r, err := ioctl(vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("hostvm: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(r), nil
}

// setSupportedCPUID fetches the host's supported CPUID entries and
// installs them on vcpuFD via KVM_SET_CPUID2. maxEntries bounds the
// variable-length kvm_cpuid2 allocation the way KVM_MAX_CPUID_ENTRIES
// does upstream.
func setSupportedCPUID(kvmFD, vcpuFD int, maxEntries int) error {
	const cpuidEntrySize = 40 // sizeof(struct kvm_cpuid_entry2)
	buf := make([]byte, 8+maxEntries*cpuidEntrySize)
	hdr := (*kvmCPUID2Header)(unsafe.Pointer(&buf[0]))
	hdr.NEnt = uint32(maxEntries)

	if _, err := ioctl(kvmFD, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("hostvm: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	if _, err := ioctl(vcpuFD, kvmSetCPUID2, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("hostvm: KVM_SET_CPUID2: %w", err)
	}
	return nil
}
