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
	"reflect"
	"testing"

	"github.com/kvmguest/qkernel/pkg/fs"
)

const (
	testMemBase = uint64(0x7f0000000000)
	testMemSize = uint64(0x40000)
	testVDSOGap = uint64(0x70000000000)
)

// testMM is a recording MMapper over a testMemory region whose top is the
// stack ceiling.
type testMM struct {
	*testMemory

	maps []MMapOpts
	brk  uint64
	exec *fs.File
}

func newTestMM() *testMM {
	return &testMM{testMemory: newTestMemory(testMemBase, testMemSize)}
}

func (m *testMM) MMap(_ Task, opts *MMapOpts) (uint64, error) {
	m.maps = append(m.maps, *opts)
	return opts.Addr, nil
}

func (m *testMM) MapStackAddr() uint64 { return m.base + uint64(len(m.data)) }

func (m *testMM) FindAvailableRange(length uint64) (uint64, error) { return testVDSOGap, nil }

func (m *testMM) BrkSetup(end uint64)        { m.brk = end }
func (m *testMM) SetExecutable(f *fs.File)   { m.exec = f }

func (m *testMM) mapNamed(name string) (MMapOpts, bool) {
	for _, opts := range m.maps {
		if opts.Name == name {
			return opts, true
		}
	}
	return MMapOpts{}, false
}

// testOpener serves Files from an in-memory path table, counting opens.
type testOpener struct {
	files map[string][]byte
	opens int
}

func (o *testOpener) OpenPath(_ Task, filename string, _ uint) (*fs.File, error) {
	o.opens++
	data, ok := o.files[filename]
	if !ok {
		return nil, fs.NewSysError(fs.ENOENT)
	}
	return newSnapshotFile(filename, data), nil
}

// testElf reports a fixed image without touching guest memory.
type testElf struct {
	loaded LoadedElf
	calls  int
}

func (e *testElf) LoadElf(Task, *fs.File) (LoadedElf, error) {
	e.calls++
	return e.loaded, nil
}

func elfImage() []byte {
	return append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 60)...)
}

func TestLoadExecutableELF(t *testing.T) {
	task := &testTask{}
	opener := &testOpener{files: map[string][]byte{"/bin/true": elfImage()}}
	elf := &testElf{loaded: LoadedElf{Entry: 0x400000, End: 0x401234}}

	loaded, f, argv, err := LoadExecutable(task, opener, elf, "/bin/true", []string{"/bin/true"})
	if err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}
	defer f.DecRef(task)

	if loaded.Entry != 0x400000 {
		t.Errorf("entry: got %#x, want %#x", loaded.Entry, uint64(0x400000))
	}
	if elf.calls != 1 {
		t.Errorf("LoadElf calls: got %d, want 1", elf.calls)
	}
	if !reflect.DeepEqual(argv, []string{"/bin/true"}) {
		t.Errorf("argv rewritten for a plain ELF: %q", argv)
	}
}

func TestLoadExecutableScriptToELF(t *testing.T) {
	task := &testTask{}
	opener := &testOpener{files: map[string][]byte{
		"/usr/bin/run": []byte("#!/bin/sh -e\nexit 0\n"),
		"/bin/sh":      elfImage(),
	}}
	elf := &testElf{loaded: LoadedElf{Entry: 0x400000}}

	_, f, argv, err := LoadExecutable(task, opener, elf, "/usr/bin/run", []string{"/usr/bin/run", "x"})
	if err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}
	defer f.DecRef(task)

	want := []string{"/bin/sh", "-e", "/usr/bin/run", "x"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv: got %q, want %q", argv, want)
	}
	if opener.opens != 2 {
		t.Errorf("opens: got %d, want 2", opener.opens)
	}
}

func TestLoadExecutableScriptLoop(t *testing.T) {
	task := &testTask{}
	opener := &testOpener{files: map[string][]byte{
		"/bin/loop": []byte("#!/bin/loop\n"),
	}}

	_, _, _, err := LoadExecutable(task, opener, &testElf{}, "/bin/loop", []string{"/bin/loop"})
	if !isENOEXEC(err) {
		t.Fatalf("got err %v, want ENOEXEC", err)
	}
	if opener.opens != MaxLoaderAttempts {
		t.Errorf("opens: got %d, want %d", opener.opens, MaxLoaderAttempts)
	}
}

func TestLoadExecutableBadMagic(t *testing.T) {
	task := &testTask{}
	opener := &testOpener{files: map[string][]byte{"/bin/junk": []byte("MZ\x00\x00stub")}}

	if _, _, _, err := LoadExecutable(task, opener, &testElf{}, "/bin/junk", nil); !isENOEXEC(err) {
		t.Fatalf("got err %v, want ENOEXEC", err)
	}
}

func TestLoadExecutableShortFile(t *testing.T) {
	task := &testTask{}
	opener := &testOpener{files: map[string][]byte{"/bin/tiny": {'#', '!'}}}

	if _, _, _, err := LoadExecutable(task, opener, &testElf{}, "/bin/tiny", nil); !isENOEXEC(err) {
		t.Fatalf("got err %v, want ENOEXEC", err)
	}
}

func TestLoadVDSOLayout(t *testing.T) {
	task := &testTask{}
	mm := newTestMM()

	paramPhys := uint64(0x1234000)
	vdsoAddr, err := LoadVDSO(task, mm, paramPhys)
	if err != nil {
		t.Fatalf("LoadVDSO: %v", err)
	}

	vvar, ok := mm.mapNamed("[vvar]")
	if !ok {
		t.Fatal("no [vvar] mapping")
	}
	vdso, ok := mm.mapNamed("[vdso]")
	if !ok {
		t.Fatal("no [vdso] mapping")
	}

	if vvar.Length != PageSize || vvar.Perms != ReadOnly() || !vvar.Fixed || !vvar.Private {
		t.Errorf("[vvar]: got %+v", vvar)
	}
	if vvar.Offset != paramPhys {
		t.Errorf("[vvar] offset: got %#x, want %#x", vvar.Offset, paramPhys)
	}
	if vdso.Length != 2*PageSize || vdso.Perms != Executable() || !vdso.Fixed || vdso.Private {
		t.Errorf("[vdso]: got %+v", vdso)
	}
	if vdso.Addr != vvar.Addr+PageSize {
		t.Errorf("[vdso] at %#x does not follow [vvar] at %#x", vdso.Addr, vvar.Addr)
	}
	if vdsoAddr != vdso.Addr {
		t.Errorf("returned vdso address %#x, mapping at %#x", vdsoAddr, vdso.Addr)
	}
	if vdso.Offset != paramPhys+PageSize {
		t.Errorf("[vdso] offset: got %#x, want %#x", vdso.Offset, paramPhys+PageSize)
	}
}

func TestLoadEndToEnd(t *testing.T) {
	task := &testTask{}
	mm := newTestMM()
	opener := &testOpener{files: map[string][]byte{
		"/bin/averyverylongprogramname": elfImage(),
	}}
	elf := &testElf{loaded: LoadedElf{
		Entry: 0x400000,
		End:   0x401234,
		Auxv:  []AuxEntry{{AT_ENTRY, 0x400000}},
	}}

	argv := []string{"/bin/averyverylongprogramname", "-v"}
	envv := []string{"PATH=/bin", "HOME=/"}

	entry, usersp, err := Load(task, mm, opener, elf,
		"/bin/averyverylongprogramname", argv, envv,
		[]AuxEntry{{AT_BASE, 0x500000}}, 0x1234000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if entry != 0x400000 {
		t.Errorf("entry: got %#x, want %#x", entry, uint64(0x400000))
	}
	if usersp%16 != 0 {
		t.Errorf("usersp %#x is not 16-byte aligned", usersp)
	}
	if usersp >= mm.MapStackAddr() || usersp < mm.MapStackAddr()-DefaultStackSoftLimit {
		t.Errorf("usersp %#x outside the stack mapping", usersp)
	}

	if want := uint64(0x402000); mm.brk != want {
		t.Errorf("brk: got %#x, want image end rounded to %#x", mm.brk, want)
	}
	if mm.exec == nil {
		t.Error("executable was not recorded on the address space")
	}
	if want := "averyverylongpr"; task.name != want {
		t.Errorf("comm: got %q, want %q", task.name, want)
	}

	stack, ok := mm.mapNamed("[stack]")
	if !ok {
		t.Fatal("no [stack] mapping")
	}
	if stack.Length != DefaultStackSoftLimit || !stack.GrowsDown || stack.Perms != ReadWrite() {
		t.Errorf("[stack]: got %+v", stack)
	}

	// Walk the start image: argc, argv, envp, then auxv.
	addr := usersp
	if argc := mm.u64At(addr); argc != uint64(len(argv)) {
		t.Fatalf("argc: got %d, want %d", argc, len(argv))
	}
	addr += 8
	for i, want := range argv {
		if got := mm.cstrAt(mm.u64At(addr)); got != want {
			t.Errorf("argv[%d]: got %q, want %q", i, got, want)
		}
		addr += 8
	}
	addr += 8 // argv terminator
	for i, want := range envv {
		if got := mm.cstrAt(mm.u64At(addr)); got != want {
			t.Errorf("envv[%d]: got %q, want %q", i, got, want)
		}
		addr += 8
	}
	addr += 8 // envp terminator

	aux := make(map[uint64]uint64)
	for {
		k, v := mm.u64At(addr), mm.u64At(addr+8)
		if k == AT_NULL {
			break
		}
		aux[k] = v
		addr += 16
	}

	if got := mm.cstrAt(aux[AT_PLATFORM]); got != "x86_64" {
		t.Errorf("AT_PLATFORM: got %q, want %q", got, "x86_64")
	}
	if got := mm.cstrAt(aux[AT_EXECFN]); got != argv[0] {
		t.Errorf("AT_EXECFN: got %q, want %q", got, argv[0])
	}
	if aux[AT_CLKTCK] != 100 {
		t.Errorf("AT_CLKTCK: got %d, want 100", aux[AT_CLKTCK])
	}
	if aux[AT_PAGESZ] != PageSize {
		t.Errorf("AT_PAGESZ: got %d, want %d", aux[AT_PAGESZ], PageSize)
	}
	if aux[AT_HWCAP] != 0xbfebfbff {
		t.Errorf("AT_HWCAP: got %#x, want 0xbfebfbff", aux[AT_HWCAP])
	}
	if aux[AT_SYSINFO_EHDR] != testVDSOGap+PageSize {
		t.Errorf("AT_SYSINFO_EHDR: got %#x, want %#x", aux[AT_SYSINFO_EHDR], testVDSOGap+PageSize)
	}
	if aux[AT_ENTRY] != 0x400000 {
		t.Errorf("per-ELF AT_ENTRY not carried: got %#x", aux[AT_ENTRY])
	}
	if aux[AT_BASE] != 0x500000 {
		t.Errorf("extra AT_BASE not carried: got %#x", aux[AT_BASE])
	}

	// AT_RANDOM addresses the second of two pushed words, the lower one:
	// its 16 random bytes run from it to it plus 16.
	randAddr := aux[AT_RANDOM]
	if randAddr < usersp || randAddr+16 > mm.MapStackAddr() {
		t.Errorf("AT_RANDOM %#x outside the stack image", randAddr)
	}
}
