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
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

// testMemory is a bounds-checked byte region standing in for guest
// memory.
type testMemory struct {
	base uint64
	data []byte
}

func newTestMemory(base, size uint64) *testMemory {
	return &testMemory{base: base, data: make([]byte, size)}
}

func (m *testMemory) CopyOut(addr uint64, src []byte) error {
	if addr < m.base || addr+uint64(len(src)) > m.base+uint64(len(m.data)) {
		return fmt.Errorf("CopyOut out of bounds: addr %#x len %d", addr, len(src))
	}
	copy(m.data[addr-m.base:], src)
	return nil
}

func (m *testMemory) bytesAt(addr, n uint64) []byte {
	return m.data[addr-m.base : addr-m.base+n]
}

func (m *testMemory) u64At(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.bytesAt(addr, 8))
}

// cstrAt reads a nul-terminated string.
func (m *testMemory) cstrAt(addr uint64) string {
	b := m.data[addr-m.base:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func TestStackPushStr(t *testing.T) {
	mem := newTestMemory(0x10000, 0x1000)
	top := uint64(0x11000)
	s := NewStack(mem, top)

	addr, err := s.PushStr("abc")
	if err != nil {
		t.Fatalf("PushStr: %v", err)
	}
	if addr != top-4 {
		t.Errorf("addr: got %#x, want %#x", addr, top-4)
	}
	if addr != s.SP {
		t.Errorf("SP %#x does not address the pushed string at %#x", s.SP, addr)
	}
	if got := mem.cstrAt(addr); got != "abc" {
		t.Errorf("string: got %q, want %q", got, "abc")
	}
}

func TestStackPushU64(t *testing.T) {
	mem := newTestMemory(0x10000, 0x1000)
	s := NewStack(mem, 0x11000)

	addr, err := s.PushU64(0xdeadbeefcafe)
	if err != nil {
		t.Fatalf("PushU64: %v", err)
	}
	if got := mem.u64At(addr); got != 0xdeadbeefcafe {
		t.Errorf("value: got %#x, want %#x", got, uint64(0xdeadbeefcafe))
	}
}

func TestStackLoadEnvLayout(t *testing.T) {
	mem := newTestMemory(0x10000, 0x10000)
	s := NewStack(mem, 0x20000)

	argv := []string{"prog", "x"}
	envv := []string{"A=1"}
	auxv := []AuxEntry{{AT_NULL, 0}, {AT_CLKTCK, 100}}

	l, err := s.LoadEnv(envv, argv, auxv)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if s.SP%16 != 0 {
		t.Errorf("final SP %#x is not 16-byte aligned", s.SP)
	}

	// argc, then the argv pointers.
	addr := s.SP
	if argc := mem.u64At(addr); argc != uint64(len(argv)) {
		t.Fatalf("argc: got %d, want %d", argc, len(argv))
	}
	addr += 8
	for i, want := range argv {
		p := mem.u64At(addr)
		if got := mem.cstrAt(p); got != want {
			t.Errorf("argv[%d]: got %q, want %q", i, got, want)
		}
		addr += 8
	}
	if mem.u64At(addr) != 0 {
		t.Errorf("argv array is not nul-terminated")
	}
	addr += 8

	for i, want := range envv {
		p := mem.u64At(addr)
		if got := mem.cstrAt(p); got != want {
			t.Errorf("envv[%d]: got %q, want %q", i, got, want)
		}
		addr += 8
	}
	if mem.u64At(addr) != 0 {
		t.Errorf("envp array is not nul-terminated")
	}
	addr += 8

	if addr != l.AuxvStart {
		t.Errorf("auxv starts at %#x, want %#x", l.AuxvStart, addr)
	}

	// Ascending memory order ends at the AT_NULL terminator.
	if k, v := mem.u64At(addr), mem.u64At(addr+8); k != AT_CLKTCK || v != 100 {
		t.Errorf("first auxv entry: got (%d,%d), want (%d,100)", k, v, AT_CLKTCK)
	}
	if k := mem.u64At(addr + 16); k != AT_NULL {
		t.Errorf("auxv is not AT_NULL-terminated: got key %d", k)
	}

	if l.ArgvStart >= l.ArgvEnd || l.EnvvStart >= l.EnvvEnd {
		t.Errorf("degenerate string ranges: argv [%#x,%#x) envv [%#x,%#x)",
			l.ArgvStart, l.ArgvEnd, l.EnvvStart, l.EnvvEnd)
	}
	if l.ArgvEnd != l.EnvvStart {
		t.Errorf("argv strings do not abut envv strings: argv end %#x, envv start %#x",
			l.ArgvEnd, l.EnvvStart)
	}
}
