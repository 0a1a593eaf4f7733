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
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
)

const guestPageSize = 4096

// loadKernelImage copies the guest kernel ELF's PT_LOAD segments into the
// guest memory region. Guest physical addresses equal host addresses
// within the region, so each segment's physical address must fall inside
// [base, base+len(mem)). Returns the ELF entry point and the first
// page-aligned address past the highest loaded segment.
func loadKernelImage(mem []byte, base uint64, path string) (entry, end uint64, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("hostvm: reading kernel image %s: %w", path, err)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("hostvm: parsing kernel image %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return 0, 0, fmt.Errorf("hostvm: kernel image %s is not an x86-64 ELF", path)
	}

	limit := base + uint64(len(mem))
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Paddr < base || p.Paddr+p.Memsz > limit {
			return 0, 0, fmt.Errorf("hostvm: kernel segment [%#x,%#x) outside guest region [%#x,%#x)",
				p.Paddr, p.Paddr+p.Memsz, base, limit)
		}

		dst := mem[p.Paddr-base : p.Paddr-base+p.Memsz]
		// Zero the whole span first so Memsz > Filesz BSS tails are clean
		// even when the region is being reused.
		for i := range dst {
			dst[i] = 0
		}
		if p.Filesz > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(p, 0, int64(p.Filesz)), dst[:p.Filesz]); err != nil {
				return 0, 0, fmt.Errorf("hostvm: reading kernel segment at %#x: %w", p.Paddr, err)
			}
		}

		if segEnd := p.Paddr + p.Memsz; segEnd > end {
			end = segEnd
		}
	}
	if end == 0 {
		return 0, 0, fmt.Errorf("hostvm: kernel image %s has no loadable segments", path)
	}

	end = (end + guestPageSize - 1) &^ (guestPageSize - 1)
	return f.Entry, end, nil
}

// loadVDSOBlob places the VDSO at the first page boundary at or after
// offset in the guest region: one zeroed parameter page followed by two
// pages holding the blob itself. Returns the parameter page's address,
// which the guest loader maps as [vvar] (and the following two pages as
// [vdso]).
func loadVDSOBlob(mem []byte, base, offset uint64, path string) (uint64, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("hostvm: reading vdso %s: %w", path, err)
	}
	if len(blob) > 2*guestPageSize {
		return 0, fmt.Errorf("hostvm: vdso %s is %d bytes, larger than its two pages", path, len(blob))
	}

	paramAddr := (offset + guestPageSize - 1) &^ (guestPageSize - 1)
	if paramAddr < base || paramAddr+3*guestPageSize > base+uint64(len(mem)) {
		return 0, fmt.Errorf("hostvm: no room for vdso at %#x in guest region", paramAddr)
	}

	span := mem[paramAddr-base : paramAddr-base+3*guestPageSize]
	for i := range span {
		span[i] = 0
	}
	copy(span[guestPageSize:], blob)

	return paramAddr, nil
}
