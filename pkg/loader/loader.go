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

// Package loader glues the executable-format collaborators together into
// the initial user-mode state of a guest process: it resolves a filename
// to an ELF (following "#!" interpreter scripts), maps the VDSO, builds
// the argv/envp/auxv stack image, and reports the entry point and stack
// pointer the first user-mode instruction runs with. ELF parsing itself
// and the guest memory manager are collaborators behind the ElfLoader
// and MMapper interfaces.
package loader

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kvmguest/qkernel/pkg/fs"
)

var log = logrus.WithField("pkg", "loader")

// MaxLoaderAttempts is the maximum number of attempts to resolve an
// interpreter script chain, to prevent loops. 6 (initial + 5 changes) is
// what Linux allows (fs/exec.c:search_binary_handler).
const MaxLoaderAttempts = 6

// TaskCommLen bounds the thread comm name, terminator included.
const TaskCommLen = 16

// maxSymlinkTraversals is the symlink-following budget handed to the
// opener for each path resolution.
const maxSymlinkTraversals = 40

// DefaultStackSoftLimit is the stack mapping size, RLIMIT_STACK's
// default soft limit.
const DefaultStackSoftLimit uint64 = 8 * 1024 * 1024

var (
	elfMagic               = []byte{0x7f, 'E', 'L', 'F'}
	interpreterScriptMagic = []byte{'#', '!'}
)

// Task is the loader's view of the thread being set up.
type Task interface {
	fs.Task

	// SetName installs the thread's comm name.
	SetName(name string)
}

// FileOpener resolves a path to an open, readable, executable File.
// Mount-namespace walking and permission checking live behind it.
type FileOpener interface {
	OpenPath(task Task, filename string, remainingTraversals uint) (*fs.File, error)
}

// LoadedElf is what the ELF collaborator reports after mapping an
// executable (and its PT_INTERP dynamic linker, if any) into the guest
// address space.
type LoadedElf struct {
	// Entry is the address execution starts at.
	Entry uint64
	// Start and End bound the mapped image; End seeds the program break.
	Start uint64
	End   uint64
	// Auxv carries the per-ELF auxv entries (AT_PHDR, AT_ENTRY, ...).
	Auxv []AuxEntry
}

// ElfLoader maps an ELF executable into the guest address space.
type ElfLoader interface {
	LoadElf(task Task, f *fs.File) (LoadedElf, error)
}

// readFull reads into b at offset until b is full or the file runs out.
func readFull(task Task, f *fs.File, b []byte, offset int64) (int, error) {
	var total int
	for total < len(b) {
		n, err := f.Preadv(task, []fs.IoVec{{Base: b[total:]}}, offset+int64(total))
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += int(n)
	}
	return total, nil
}

// openPath opens filename for execution, rejecting a trailing-slash path
// whose target is not a directory before the directory-is-not-executable
// check downstream gets a chance to confuse the errno.
func openPath(task Task, opener FileOpener, filename string) (*fs.File, error) {
	f, err := opener.OpenPath(task, filename, maxSymlinkTraversals)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(filename, "/") && f.FileType() != fs.FileTypeDirectory {
		f.DecRef(task)
		return nil, fs.NewSysError(fs.ENOTDIR)
	}
	return f, nil
}

// LoadExecutable resolves filename to an ELF binary, opening at most
// MaxLoaderAttempts files (the initial one plus interpreter-script
// indirections), and returns the
// mapped image, the File finally executed, and the (possibly rewritten)
// argv. Anything that is neither an ELF nor a "#!" script is ENOEXEC.
func LoadExecutable(task Task, opener FileOpener, elf ElfLoader, filename string, argv []string) (LoadedElf, *fs.File, []string, error) {
	for i := 0; i < MaxLoaderAttempts; i++ {
		f, err := openPath(task, opener, filename)
		if err != nil {
			return LoadedElf{}, nil, nil, err
		}

		var hdr [4]byte
		n, err := readFull(task, f, hdr[:], 0)
		if err != nil || n < 4 {
			log.WithField("filename", filename).WithField("bytes", n).Info("executable header too short")
			f.DecRef(task)
			return LoadedElf{}, nil, nil, fs.NewSysError(fs.ENOEXEC)
		}

		switch {
		case bytes.Equal(hdr[:], elfMagic):
			loaded, err := elf.LoadElf(task, f)
			if err != nil {
				f.DecRef(task)
				return LoadedElf{}, nil, nil, err
			}
			return loaded, f, argv, nil

		case bytes.Equal(hdr[:2], interpreterScriptMagic):
			log.WithField("filename", filename).Info("loading interpreter script")
			filename, argv, err = parseInterpreterScript(task, filename, f, argv)
			f.DecRef(task)
			if err != nil {
				return LoadedElf{}, nil, nil, err
			}

		default:
			f.DecRef(task)
			return LoadedElf{}, nil, nil, fs.NewSysError(fs.ENOEXEC)
		}
	}

	return LoadedElf{}, nil, nil, fs.NewSysError(fs.ENOEXEC)
}

// CreateStack maps the [stack] region, DefaultStackSoftLimit bytes
// ending at the memory manager's stack ceiling, and returns its bounds.
func CreateStack(task Task, mm MMapper) (start, end uint64, err error) {
	end = mm.MapStackAddr()
	start = end - DefaultStackSoftLimit

	addr, err := mm.MMap(task, &MMapOpts{
		Name:      "[stack]",
		Length:    DefaultStackSoftLimit,
		Addr:      start,
		Fixed:     true,
		Perms:     ReadWrite(),
		MaxPerms:  ReadWrite(),
		Private:   true,
		GrowsDown: true,
	})
	if err != nil {
		return 0, 0, err
	}
	if addr != start {
		panic("CreateStack: fixed [stack] mapping moved")
	}
	return start, end, nil
}

// Load resolves and maps filename, lays out the initial stack, and
// returns the entry point and user stack pointer for the first user-mode
// instruction. vdsoParamPageAddr is the physical address the host loaded
// the VDSO blob at.
func Load(task Task, mm MMapper, opener FileOpener, elf ElfLoader, filename string, argv, envv []string, extraAuxv []AuxEntry, vdsoParamPageAddr uint64) (entry, usersp uint64, err error) {
	vdsoAddr, err := LoadVDSO(task, mm, vdsoParamPageAddr)
	if err != nil {
		return 0, 0, err
	}

	loaded, executable, argv, err := LoadExecutable(task, opener, elf, filename, argv)
	if err != nil {
		return 0, 0, err
	}
	defer executable.DecRef(task)

	brk := (loaded.End + PageSize - 1) &^ (PageSize - 1)
	mm.BrkSetup(brk)
	mm.SetExecutable(executable)

	name := base(filename)
	if len(name) > TaskCommLen-1 {
		name = name[:TaskCommLen-1]
	}
	task.SetName(name)

	_, stackEnd, err := CreateStack(task, mm)
	if err != nil {
		return 0, 0, err
	}

	stack := NewStack(mm, stackEnd)
	usersp, err = setupUserStack(task, stack, &loaded, filename, argv, envv, extraAuxv, vdsoAddr)
	if err != nil {
		return 0, 0, err
	}

	return loaded.Entry, usersp, nil
}

// setupUserStack pushes the process-start stack image: the platform
// string, the AT_RANDOM words, the execfn string, then the full
// argc/argv/envp/auxv layout. Returns the final user stack pointer.
func setupUserStack(task Task, stack *Stack, loaded *LoadedElf, filename string, argv, envv []string, extraAuxv []AuxEntry, vdsoAddr uint64) (uint64, error) {
	platform, err := stack.PushStr("x86_64")
	if err != nil {
		return 0, err
	}

	var randBuf [16]byte
	if _, err := rand.Read(randBuf[:]); err != nil {
		return 0, err
	}
	if _, err := stack.PushU64(binary.LittleEndian.Uint64(randBuf[:8])); err != nil {
		return 0, err
	}
	randAddr, err := stack.PushU64(binary.LittleEndian.Uint64(randBuf[8:]))
	if err != nil {
		return 0, err
	}

	execfnStr := filename
	if len(argv) > 0 {
		execfnStr = argv[0]
	}
	execfn, err := stack.PushStr(execfnStr)
	if err != nil {
		return 0, err
	}

	auxv := []AuxEntry{
		{AT_NULL, 0},
		{AT_PLATFORM, platform},
		{AT_EXECFN, execfn},
		{AT_HWCAP2, 0},
		{AT_RANDOM, randAddr},
		{AT_SECURE, 0},
		{AT_EGID, 0},
		{AT_GID, 0},
		{AT_EUID, 0},
		{AT_UID, 0},
		{AT_FLAGS, 0},
		{AT_CLKTCK, 100},
		{AT_PAGESZ, PageSize},
		{AT_HWCAP, 0xbfebfbff},
		{AT_SYSINFO_EHDR, vdsoAddr},
	}
	auxv = append(auxv, loaded.Auxv...)
	auxv = append(auxv, extraAuxv...)

	if _, err := stack.LoadEnv(envv, argv, auxv); err != nil {
		return 0, err
	}

	return stack.SP, nil
}

// base returns the final path element of p.
func base(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
