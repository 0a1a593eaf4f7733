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
	"encoding/binary"
)

// Memory is the loader's writable window onto the guest address space.
// MMapper embeds it; Stack needs nothing more.
type Memory interface {
	CopyOut(addr uint64, src []byte) error
}

// Stack is a downward-growing cursor over a mapped guest stack region,
// used to lay out the initial process image (strings, auxv, envp, argv,
// argc) before the first user-mode instruction runs.
type Stack struct {
	mem Memory

	// SP is the current stack pointer. Every push decrements it first,
	// so SP always addresses the most recently pushed value.
	SP uint64
}

// NewStack positions a Stack at top, the highest address of the stack
// mapping.
func NewStack(mem Memory, top uint64) *Stack {
	return &Stack{mem: mem, SP: top}
}

// PushBytes copies b onto the stack and returns its address.
func (s *Stack) PushBytes(b []byte) (uint64, error) {
	s.SP -= uint64(len(b))
	if err := s.mem.CopyOut(s.SP, b); err != nil {
		return 0, err
	}
	return s.SP, nil
}

// PushStr pushes str nul-terminated and returns its address.
func (s *Stack) PushStr(str string) (uint64, error) {
	b := make([]byte, len(str)+1)
	copy(b, str)
	return s.PushBytes(b)
}

// PushU64 pushes v in guest byte order and returns its address.
func (s *Stack) PushU64(v uint64) (uint64, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.PushBytes(b[:])
}

// Align rounds SP down to a multiple of to, which must be a power of two.
func (s *Stack) Align(to uint64) {
	s.SP &^= to - 1
}

// StackLayout records where the argument and environment arrays landed,
// for the memory manager's /proc-style introspection bookkeeping.
type StackLayout struct {
	ArgvStart uint64
	ArgvEnd   uint64
	EnvvStart uint64
	EnvvEnd   uint64
	AuxvStart uint64
}

// LoadEnv lays out the SysV ABI process-start stack image: the string
// data for envv and argv, then (16-byte aligned, padded so the final SP
// stays 16-byte aligned) the auxv pairs, the nul-terminated envp and argv
// pointer arrays, and finally argc at SP.
//
// auxv is pushed in slice order onto the descending stack, so a slice
// whose first entry is AT_NULL produces the ABI's ascending-memory
// layout terminated by AT_NULL.
func (s *Stack) LoadEnv(envv, argv []string, auxv []AuxEntry) (StackLayout, error) {
	l := StackLayout{EnvvEnd: s.SP}

	envAddrs := make([]uint64, len(envv))
	for i := len(envv) - 1; i >= 0; i-- {
		addr, err := s.PushStr(envv[i])
		if err != nil {
			return StackLayout{}, err
		}
		envAddrs[i] = addr
	}
	l.EnvvStart = s.SP

	l.ArgvEnd = s.SP
	argAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := s.PushStr(argv[i])
		if err != nil {
			return StackLayout{}, err
		}
		argAddrs[i] = addr
	}
	l.ArgvStart = s.SP

	s.Align(16)

	// Everything below here is 8-byte words. An odd word count would
	// leave the final SP 8-byte but not 16-byte aligned, which the
	// x86-64 ABI forbids at process entry; pad one word to compensate.
	words := 2*len(auxv) + (len(envv) + 1) + (len(argv) + 1) + 1
	if words%2 != 0 {
		s.SP -= 8
	}

	for _, e := range auxv {
		if _, err := s.PushU64(e.Val); err != nil {
			return StackLayout{}, err
		}
		if _, err := s.PushU64(e.Key); err != nil {
			return StackLayout{}, err
		}
	}
	l.AuxvStart = s.SP

	if _, err := s.PushU64(0); err != nil {
		return StackLayout{}, err
	}
	for i := len(envv) - 1; i >= 0; i-- {
		if _, err := s.PushU64(envAddrs[i]); err != nil {
			return StackLayout{}, err
		}
	}

	if _, err := s.PushU64(0); err != nil {
		return StackLayout{}, err
	}
	for i := len(argv) - 1; i >= 0; i-- {
		if _, err := s.PushU64(argAddrs[i]); err != nil {
			return StackLayout{}, err
		}
	}

	if _, err := s.PushU64(uint64(len(argv))); err != nil {
		return StackLayout{}, err
	}

	return l, nil
}
