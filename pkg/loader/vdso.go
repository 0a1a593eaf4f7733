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

package loader

import (
	"github.com/kvmguest/qkernel/pkg/fs"
)

// PageSize is the guest page size.
const PageSize = 4096

// AccessType is a page-protection triple.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// ReadOnly returns the r-- protection.
func ReadOnly() AccessType { return AccessType{Read: true} }

// ReadWrite returns the rw- protection.
func ReadWrite() AccessType { return AccessType{Read: true, Write: true} }

// Executable returns the r-x protection.
func Executable() AccessType { return AccessType{Read: true, Execute: true} }

// MMapOpts describes one mapping request to the guest memory manager.
// Offset carries the backing physical address for mappings (like the
// VDSO pages) that alias memory the host already populated.
type MMapOpts struct {
	Name      string
	Length    uint64
	Addr      uint64
	Fixed     bool
	Perms     AccessType
	MaxPerms  AccessType
	Private   bool
	GrowsDown bool
	Offset    uint64
}

// MMapper is the guest memory manager surface the loader drives. The
// memory manager itself (page tables, VMA bookkeeping, brk) is outside
// this core; the loader only places mappings and writes the initial
// stack image through it.
type MMapper interface {
	Memory

	MMap(task Task, opts *MMapOpts) (uint64, error)

	// MapStackAddr returns the highest address the stack mapping may
	// end at.
	MapStackAddr() uint64

	// FindAvailableRange returns an unused region of at least length
	// bytes for a non-hinted fixed mapping.
	FindAvailableRange(length uint64) (uint64, error)

	// BrkSetup records end as the initial program break.
	BrkSetup(end uint64)

	// SetExecutable records f as the executable backing this address
	// space, for /proc/pid/exe-style introspection.
	SetExecutable(f *fs.File)
}

// LoadVDSO maps the vdso parameter page and the vdso code pages into the
// guest address space: one read-only [vvar] page immediately followed by
// two executable [vdso] pages, all placed at fixed addresses within a
// freshly reserved range. vdsoParamPageAddr is the physical address the
// host loaded the blob at; it rides in via MMapOpts.Offset. Returns the
// address of the [vdso] mapping, the AT_SYSINFO_EHDR value.
func LoadVDSO(task Task, mm MMapper, vdsoParamPageAddr uint64) (uint64, error) {
	vAddr, err := mm.FindAvailableRange(3 * PageSize)
	if err != nil {
		return 0, err
	}

	paramVAddr, err := mm.MMap(task, &MMapOpts{
		Name:     "[vvar]",
		Length:   PageSize,
		Addr:     vAddr,
		Fixed:    true,
		Perms:    ReadOnly(),
		MaxPerms: ReadOnly(),
		Private:  true,
		Offset:   vdsoParamPageAddr,
	})
	if err != nil {
		return 0, err
	}
	if paramVAddr != vAddr {
		panic("LoadVDSO: fixed [vvar] mapping moved")
	}

	return mm.MMap(task, &MMapOpts{
		Name:     "[vdso]",
		Length:   2 * PageSize,
		Addr:     paramVAddr + PageSize,
		Fixed:    true,
		Perms:    Executable(),
		MaxPerms: Executable(),
		Private:  false,
		Offset:   vdsoParamPageAddr + PageSize,
	})
}
