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
	"encoding/binary"
	"fmt"
)

// PtRegs is the x86-64 register file a guest thread traps in with, laid
// out field-for-field like struct pt_regs.
type PtRegs struct {
	R15, R14, R13, R12 uint64
	Rbp, Rbx           uint64
	R11, R10, R9, R8   uint64
	Rax, Rcx, Rdx      uint64
	Rsi, Rdi           uint64
	OrigRax            uint64
	Rip, Cs, Eflags    uint64
	Rsp, Ss            uint64
}

// redZoneSize is the x86-64 ABI red zone below Rsp that a signal frame
// must not clobber.
const redZoneSize = 128

// EflagsRestoreable is the set of EFLAGS bits sigreturn(2) restores from
// the saved context: CF|PF|AF|ZF|SF|TF|DF|OF|RF|AC. Everything else
// (IF, IOPL, VM, ...) keeps the interrupted context's value.
const EflagsRestoreable = 0x50dd5

// restartSyscallNr is __NR_restart_syscall on x86-64.
const restartSyscallNr = 219

// SignalStack is the sigaltstack(2) alternate signal stack descriptor.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	Size  uint64
}

// SignalStack.Flags bits, matching SS_ONSTACK and SS_DISABLE.
const (
	SignalStackOnStack uint32 = 1
	SignalStackDisable uint32 = 2
)

// IsEnabled reports whether the alternate stack may be switched to.
func (s SignalStack) IsEnabled() bool {
	return s.Flags&SignalStackDisable == 0 && s.Size != 0
}

// Contains reports whether sp lies on the alternate stack.
func (s SignalStack) Contains(sp uint64) bool {
	return s.Addr < sp && sp <= s.Addr+s.Size
}

// Top returns the initial stack pointer for a switch onto the alternate
// stack.
func (s SignalStack) Top() uint64 {
	return s.Addr + s.Size
}

// MContext is the saved machine context pushed in a signal frame, laid
// out like struct sigcontext.
type MContext struct {
	R8, R9, R10, R11, R12, R13, R14, R15        uint64
	Rdi, Rsi, Rbp, Rbx, Rdx, Rax, Rcx, Rsp, Rip uint64
	Eflags                                      uint64
	Cs, Gs, Fs, Ss                              uint16
	Err, Trapno                                 uint64
	Oldmask                                     uint64
	Cr2                                         uint64
	Fpstate                                     uint64
	Reserved                                    [8]uint64
}

// UContext is the ucontext_t pushed in a signal frame: flags, a link
// pointer, the alternate-stack state at delivery time, the machine
// context, and the signal mask to restore.
type UContext struct {
	Flags    uint64
	Link     uint64
	Stack    SignalStack
	MContext MContext
	Sigset   uint64
}

// Serialized frame sizes. SignalInfo marshals as the 128-byte siginfo_t;
// UContext as flags+link (16), uc_stack (24), sigcontext (256), and the
// trailing sigset (8).
const (
	sigInfoFrameSize  = 128
	uContextFrameSize = 16 + 24 + 256 + 8
)

func marshalSignalInfo(info *SignalInfo) []byte {
	le := binary.LittleEndian
	b := make([]byte, sigInfoFrameSize)
	le.PutUint32(b[0:], uint32(info.Signo))
	// si_errno at 4 stays zero.
	le.PutUint32(b[8:], uint32(info.Code))
	switch info.Signo {
	case SIGCHLD:
		le.PutUint32(b[16:], info.ChldPID)
		le.PutUint32(b[20:], info.ChldUID)
		le.PutUint32(b[24:], uint32(info.ChldStatus))
	default:
		le.PutUint64(b[16:], info.FaultAddr)
	}
	return b
}

func unmarshalSignalInfo(b []byte) SignalInfo {
	le := binary.LittleEndian
	info := SignalInfo{
		Signo: Signal(le.Uint32(b[0:])),
		Code:  int32(le.Uint32(b[8:])),
	}
	if info.Signo == SIGCHLD {
		info.ChldPID = le.Uint32(b[16:])
		info.ChldUID = le.Uint32(b[20:])
		info.ChldStatus = int32(le.Uint32(b[24:]))
	} else {
		info.FaultAddr = le.Uint64(b[16:])
	}
	return info
}

func (uc *UContext) marshal() []byte {
	le := binary.LittleEndian
	b := make([]byte, uContextFrameSize)
	le.PutUint64(b[0:], uc.Flags)
	le.PutUint64(b[8:], uc.Link)
	le.PutUint64(b[16:], uc.Stack.Addr)
	le.PutUint32(b[24:], uc.Stack.Flags)
	le.PutUint64(b[32:], uc.Stack.Size)

	m := &uc.MContext
	regs := []uint64{
		m.R8, m.R9, m.R10, m.R11, m.R12, m.R13, m.R14, m.R15,
		m.Rdi, m.Rsi, m.Rbp, m.Rbx, m.Rdx, m.Rax, m.Rcx, m.Rsp, m.Rip,
		m.Eflags,
	}
	off := 40
	for _, r := range regs {
		le.PutUint64(b[off:], r)
		off += 8
	}
	le.PutUint16(b[off:], m.Cs)
	le.PutUint16(b[off+2:], m.Gs)
	le.PutUint16(b[off+4:], m.Fs)
	le.PutUint16(b[off+6:], m.Ss)
	off += 8
	for _, v := range []uint64{m.Err, m.Trapno, m.Oldmask, m.Cr2, m.Fpstate} {
		le.PutUint64(b[off:], v)
		off += 8
	}
	off += 8 * len(m.Reserved)
	le.PutUint64(b[off:], uc.Sigset)
	return b
}

func unmarshalUContext(b []byte) UContext {
	le := binary.LittleEndian
	var uc UContext
	uc.Flags = le.Uint64(b[0:])
	uc.Link = le.Uint64(b[8:])
	uc.Stack.Addr = le.Uint64(b[16:])
	uc.Stack.Flags = le.Uint32(b[24:])
	uc.Stack.Size = le.Uint64(b[32:])

	m := &uc.MContext
	regs := []*uint64{
		&m.R8, &m.R9, &m.R10, &m.R11, &m.R12, &m.R13, &m.R14, &m.R15,
		&m.Rdi, &m.Rsi, &m.Rbp, &m.Rbx, &m.Rdx, &m.Rax, &m.Rcx, &m.Rsp, &m.Rip,
		&m.Eflags,
	}
	off := 40
	for _, r := range regs {
		*r = le.Uint64(b[off:])
		off += 8
	}
	m.Cs = le.Uint16(b[off:])
	m.Gs = le.Uint16(b[off+2:])
	m.Fs = le.Uint16(b[off+4:])
	m.Ss = le.Uint16(b[off+6:])
	off += 8
	for _, v := range []*uint64{&m.Err, &m.Trapno, &m.Oldmask, &m.Cr2, &m.Fpstate} {
		*v = le.Uint64(b[off:])
		off += 8
	}
	off += 8 * len(m.Reserved)
	uc.Sigset = le.Uint64(b[off:])
	return uc
}

// GuestMemory is the byte-addressed view of the guest address space a
// ThreadContext pushes signal frames into and pops them back out of.
type GuestMemory interface {
	CopyOut(addr uint64, src []byte) error
	CopyIn(addr uint64, dst []byte) error
}

// SliceMemory is a GuestMemory over a host-allocated byte region, the
// shape the supervisor's single KVM memory slot takes on the host side.
type SliceMemory struct {
	base uint64
	data []byte
}

// NewSliceMemory wraps data as guest memory starting at base.
func NewSliceMemory(base uint64, data []byte) *SliceMemory {
	return &SliceMemory{base: base, data: data}
}

func (m *SliceMemory) check(addr, n uint64) error {
	if addr < m.base || addr+n > m.base+uint64(len(m.data)) {
		return fmt.Errorf("guest memory access [%#x,%#x) outside [%#x,%#x)",
			addr, addr+n, m.base, m.base+uint64(len(m.data)))
	}
	return nil
}

// CopyOut implements GuestMemory.
func (m *SliceMemory) CopyOut(addr uint64, src []byte) error {
	if err := m.check(addr, uint64(len(src))); err != nil {
		return err
	}
	copy(m.data[addr-m.base:], src)
	return nil
}

// CopyIn implements GuestMemory.
func (m *SliceMemory) CopyIn(addr uint64, dst []byte) error {
	if err := m.check(addr, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, m.data[addr-m.base:])
	return nil
}

// userStack is a downward push/upward pop cursor over guest memory.
type userStack struct {
	mem GuestMemory
	sp  uint64
}

func (s *userStack) pushBytes(b []byte) (uint64, error) {
	s.sp -= uint64(len(b))
	if err := s.mem.CopyOut(s.sp, b); err != nil {
		return 0, err
	}
	return s.sp, nil
}

func (s *userStack) pushU64(v uint64) (uint64, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.pushBytes(b[:])
}

func (s *userStack) popBytes(n uint64) ([]byte, error) {
	b := make([]byte, n)
	if err := s.mem.CopyIn(s.sp, b); err != nil {
		return nil, err
	}
	s.sp += n
	return b, nil
}

// Context64 is the concrete x86-64 ThreadContext: a register file plus
// the guest memory the thread's signal frames live in. The vCPU run loop
// fills Regs from the trap frame before dispatching and loads them back
// on return to user mode.
type Context64 struct {
	Regs PtRegs

	mem      GuestMemory
	sigStack SignalStack
}

// NewContext64 returns a Context64 whose signal frames are built in mem.
func NewContext64(mem GuestMemory) *Context64 {
	return &Context64{mem: mem}
}

// Return implements ThreadContext.
func (c *Context64) Return() uint64 { return c.Regs.Rax }

// SetReturn implements ThreadContext.
func (c *Context64) SetReturn(v uint64) { c.Regs.Rax = v }

// RestartSyscall implements ThreadContext: rewind Rip over the 2-byte
// syscall instruction and re-supply the original syscall number.
func (c *Context64) RestartSyscall() {
	c.Regs.Rax = c.Regs.OrigRax
	c.Regs.Rip -= 2
}

// RestartSyscallWithRestartBlock implements ThreadContext: as
// RestartSyscall, but re-entering through restart_syscall(2) so the
// registered restart block runs instead of the raw syscall.
func (c *Context64) RestartSyscallWithRestartBlock() {
	c.Regs.Rax = restartSyscallNr
	c.Regs.Rip -= 2
}

// SignalStack returns the thread's alternate signal stack.
func (c *Context64) SignalStack() SignalStack { return c.sigStack }

// SetSignalStack installs s as the alternate signal stack, the register
// half of sigaltstack(2).
func (c *Context64) SetSignalStack(s SignalStack) { c.sigStack = s }

// PushSignalFrame implements ThreadContext. The frame is built below the
// red zone of the interrupted stack, or on the alternate stack if act
// has SA_ONSTACK, the alternate stack is enabled, and the thread isn't
// already on it: SignalInfo, then a UContext capturing the interrupted
// registers, savedMask, and the pre-delivery alternate-stack state, then
// act's restorer as the handler's return address. Entry registers are
// reset to a minimal deterministic state.
func (c *Context64) PushSignalFrame(info *SignalInfo, act SigAct, savedMask SignalSet) error {
	// Snapshot before marking on-stack, so PopSignalFrame restores the
	// state exactly as it was at delivery.
	alt := c.sigStack

	sp := c.Regs.Rsp - redZoneSize
	if act.Flags.IsOnStack() && c.sigStack.IsEnabled() {
		c.sigStack.Flags |= SignalStackOnStack
		if !alt.Contains(c.Regs.Rsp) {
			sp = alt.Top()
		}
	}

	var cr2 uint64
	if info.Signo == SIGSEGV || info.Signo == SIGBUS {
		cr2 = info.FaultAddr
	}

	uc := UContext{
		Stack: alt,
		MContext: MContext{
			R8: c.Regs.R8, R9: c.Regs.R9, R10: c.Regs.R10, R11: c.Regs.R11,
			R12: c.Regs.R12, R13: c.Regs.R13, R14: c.Regs.R14, R15: c.Regs.R15,
			Rdi: c.Regs.Rdi, Rsi: c.Regs.Rsi, Rbp: c.Regs.Rbp, Rbx: c.Regs.Rbx,
			Rdx: c.Regs.Rdx, Rax: c.Regs.Rax, Rcx: c.Regs.Rcx, Rsp: c.Regs.Rsp,
			Rip: c.Regs.Rip, Eflags: c.Regs.Eflags,
			Cs: uint16(c.Regs.Cs), Ss: uint16(c.Regs.Ss),
			Oldmask: uint64(savedMask),
			Cr2:     cr2,
		},
		Sigset: uint64(savedMask),
	}

	st := userStack{mem: c.mem, sp: sp}
	infoAddr, err := st.pushBytes(marshalSignalInfo(info))
	if err != nil {
		return err
	}
	ucAddr, err := st.pushBytes(uc.marshal())
	if err != nil {
		return err
	}
	rsp, err := st.pushU64(act.Restorer)
	if err != nil {
		return err
	}

	c.Regs = PtRegs{
		Rsp:    rsp,
		Rip:    act.Handler,
		Rcx:    act.Handler,
		R11:    0x2,
		Rdi:    uint64(info.Signo),
		Rsi:    infoAddr,
		Rdx:    ucAddr,
		Eflags: 0x2,
	}
	return nil
}

// PopSignalFrame implements ThreadContext: the inverse of
// PushSignalFrame, entered with Rsp just past the popped restorer. It
// restores the alternate-stack state, the interrupted registers (taking
// only the restoreable EFLAGS bits from the saved context), invalidates
// the syscall return, and hands the saved signal mask back for the
// caller to reinstall.
func (c *Context64) PopSignalFrame() (SignalSet, error) {
	st := userStack{mem: c.mem, sp: c.Regs.Rsp}
	ucBytes, err := st.popBytes(uContextFrameSize)
	if err != nil {
		return 0, err
	}
	if _, err := st.popBytes(sigInfoFrameSize); err != nil {
		return 0, err
	}
	uc := unmarshalUContext(ucBytes)

	c.sigStack = uc.Stack

	currEflags := c.Regs.Eflags
	m := &uc.MContext
	c.Regs = PtRegs{
		R8: m.R8, R9: m.R9, R10: m.R10, R11: m.R11,
		R12: m.R12, R13: m.R13, R14: m.R14, R15: m.R15,
		Rdi: m.Rdi, Rsi: m.Rsi, Rbp: m.Rbp, Rbx: m.Rbx,
		Rdx: m.Rdx, Rax: m.Rax, Rcx: m.Rcx, Rsp: m.Rsp,
		Rip: m.Rip,
		Cs:  uint64(m.Cs), Ss: uint64(m.Ss),
	}
	c.Regs.Eflags = (currEflags &^ uint64(EflagsRestoreable)) | (m.Eflags & uint64(EflagsRestoreable))

	// An interrupted syscall must not be restarted off this frame.
	c.Regs.OrigRax = ^uint64(0)

	return SignalSet(m.Oldmask), nil
}
