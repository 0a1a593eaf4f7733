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
	"testing"
)

const (
	testMemBase = uint64(0x10000)
	testMemSize = uint64(0x10000)
)

func newTestContext() (*Context64, *SliceMemory) {
	mem := NewSliceMemory(testMemBase, make([]byte, testMemSize))
	return NewContext64(mem), mem
}

func readU64(t *testing.T, mem *SliceMemory, addr uint64) uint64 {
	t.Helper()
	var b [8]byte
	if err := mem.CopyIn(addr, b[:]); err != nil {
		t.Fatalf("CopyIn(%#x): %v", addr, err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func TestPushSignalFrameRedZone(t *testing.T) {
	ctx, mem := newTestContext()
	ctx.Regs = PtRegs{Rsp: testMemBase + 0xF000, Rip: 0x401000}

	act := SigAct{Handler: 0x500000, Restorer: 0x500100}
	if err := ctx.PushSignalFrame(NewPrivateSignal(SIGUSR1), act, 0); err != nil {
		t.Fatalf("PushSignalFrame: %v", err)
	}

	// Frame layout below the red zone: siginfo, ucontext, restorer.
	wantRsp := testMemBase + 0xF000 - redZoneSize - sigInfoFrameSize - uContextFrameSize - 8
	if ctx.Regs.Rsp != wantRsp {
		t.Errorf("Rsp: got %#x, want %#x", ctx.Regs.Rsp, wantRsp)
	}
	if ctx.Regs.Rsi != wantRsp+8+uContextFrameSize {
		t.Errorf("siginfo address: got %#x, want %#x", ctx.Regs.Rsi, wantRsp+8+uContextFrameSize)
	}
	if ctx.Regs.Rdx != wantRsp+8 {
		t.Errorf("ucontext address: got %#x, want %#x", ctx.Regs.Rdx, wantRsp+8)
	}
	if got := readU64(t, mem, ctx.Regs.Rsp); got != act.Restorer {
		t.Errorf("restorer at Rsp: got %#x, want %#x", got, act.Restorer)
	}
	if ctx.Regs.Rip != act.Handler || ctx.Regs.Rdi != uint64(SIGUSR1) {
		t.Errorf("entry registers: Rip %#x Rdi %d", ctx.Regs.Rip, ctx.Regs.Rdi)
	}
	if ctx.Regs.Eflags != 0x2 {
		t.Errorf("entry Eflags: got %#x, want 0x2", ctx.Regs.Eflags)
	}

	var infoBytes [sigInfoFrameSize]byte
	if err := mem.CopyIn(ctx.Regs.Rsi, infoBytes[:]); err != nil {
		t.Fatalf("reading pushed siginfo: %v", err)
	}
	if info := unmarshalSignalInfo(infoBytes[:]); info.Signo != SIGUSR1 {
		t.Errorf("pushed siginfo signo: got %d, want %d", info.Signo, SIGUSR1)
	}
}

func TestPushSignalFrameAltStack(t *testing.T) {
	ctx, _ := newTestContext()
	alt := SignalStack{Addr: testMemBase + 0x2000, Size: 0x2000}
	ctx.SetSignalStack(alt)
	ctx.Regs = PtRegs{Rsp: testMemBase + 0xF000}

	act := SigAct{Handler: 0x500000, Restorer: 0x500100, Flags: SigFlagOnStack}
	if err := ctx.PushSignalFrame(NewPrivateSignal(SIGUSR1), act, 0); err != nil {
		t.Fatalf("PushSignalFrame: %v", err)
	}

	if !alt.Contains(ctx.Regs.Rsp) {
		t.Errorf("Rsp %#x not on the alternate stack [%#x,%#x]",
			ctx.Regs.Rsp, alt.Addr, alt.Top())
	}
	if ctx.SignalStack().Flags&SignalStackOnStack == 0 {
		t.Error("alternate stack not marked on-stack during delivery")
	}
}

func TestPushSignalFrameAlreadyOnAltStack(t *testing.T) {
	ctx, _ := newTestContext()
	alt := SignalStack{Addr: testMemBase + 0x2000, Size: 0x2000}
	ctx.SetSignalStack(alt)

	// Already running on the alternate stack: no switch to its top, the
	// frame goes below the current Rsp's red zone.
	onAlt := alt.Addr + 0x1800
	ctx.Regs = PtRegs{Rsp: onAlt}

	act := SigAct{Handler: 0x500000, Restorer: 0x500100, Flags: SigFlagOnStack}
	if err := ctx.PushSignalFrame(NewPrivateSignal(SIGUSR1), act, 0); err != nil {
		t.Fatalf("PushSignalFrame: %v", err)
	}

	wantRsp := onAlt - redZoneSize - sigInfoFrameSize - uContextFrameSize - 8
	if ctx.Regs.Rsp != wantRsp {
		t.Errorf("Rsp: got %#x, want %#x (below the interrupted frame)", ctx.Regs.Rsp, wantRsp)
	}
}

// TestSignalReturnRestoresPreDeliveryState delivers a signal to a handler
// and returns from it, checking that the mask, the alternate signal
// stack, and the restoreable EFLAGS bits all round-trip exactly.
func TestSignalReturnRestoresPreDeliveryState(t *testing.T) {
	ctx, mem := newTestContext()

	alt := SignalStack{Addr: testMemBase + 0x2000, Size: 0x2000}
	ctx.SetSignalStack(alt)

	origRegs := PtRegs{
		Rsp:     testMemBase + 0xF000,
		Rip:     0x401000,
		Rax:     42,
		OrigRax: 1,
		R12:     7,
		Rbx:     0x1234,
		Eflags:  0x246, // IF | ZF | PF | reserved bit 1
	}
	ctx.Regs = origRegs

	tg := NewThreadGroup(nil)
	th := NewThread(tg, nil, ctx)

	preMask := MakeSignalSet(SIGUSR2)
	th.SetSignalMask(preMask)

	act := SigAct{
		Handler:  0x500000,
		Restorer: 0x500100,
		Flags:    SigFlagOnStack,
		Mask:     MakeSignalSet(SIGHUP),
	}
	info := NewPrivateSignal(SIGUSR1)

	if err := th.deliverSignalToHandler(info, act); err != nil {
		t.Fatalf("deliverSignalToHandler: %v", err)
	}

	wantLive := preMask | MakeSignalSet(SIGHUP) | MakeSignalSet(SIGUSR1)
	if got := th.SignalMask(); got != wantLive {
		t.Fatalf("mask in handler: got %#x, want %#x", got, wantLive)
	}
	if got := readU64(t, mem, ctx.Regs.Rsp); got != act.Restorer {
		t.Fatalf("restorer at handler Rsp: got %#x, want %#x", got, act.Restorer)
	}

	// The handler's ret consumes the restorer.
	ctx.Regs.Rsp += 8

	if err := th.SignalReturn(); err != ErrSyscallRetCtrl {
		t.Fatalf("SignalReturn: got %v, want ErrSyscallRetCtrl", err)
	}

	if got := th.SignalMask(); got != preMask {
		t.Errorf("mask after return: got %#x, want %#x", got, preMask)
	}
	if got := ctx.SignalStack(); got != alt {
		t.Errorf("alternate stack after return: got %+v, want %+v", got, alt)
	}

	if ctx.Regs.Rsp != origRegs.Rsp || ctx.Regs.Rip != origRegs.Rip {
		t.Errorf("Rsp/Rip after return: got %#x/%#x, want %#x/%#x",
			ctx.Regs.Rsp, ctx.Regs.Rip, origRegs.Rsp, origRegs.Rip)
	}
	if ctx.Regs.Rax != origRegs.Rax || ctx.Regs.R12 != origRegs.R12 || ctx.Regs.Rbx != origRegs.Rbx {
		t.Errorf("callee state after return: Rax %d R12 %d Rbx %#x",
			ctx.Regs.Rax, ctx.Regs.R12, ctx.Regs.Rbx)
	}

	if got, want := ctx.Regs.Eflags&EflagsRestoreable, origRegs.Eflags&EflagsRestoreable; got != want {
		t.Errorf("restoreable EFLAGS after return: got %#x, want %#x", got, want)
	}
	// Non-restoreable bits keep the handler-exit context's values: the
	// deterministic 0x2 entry flags contribute only reserved bit 1.
	if ctx.Regs.Eflags != 0x46 {
		t.Errorf("Eflags after return: got %#x, want 0x46", ctx.Regs.Eflags)
	}

	if ctx.Regs.OrigRax != ^uint64(0) {
		t.Errorf("OrigRax after return: got %#x, want invalidated", ctx.Regs.OrigRax)
	}
}

// TestSignalReturnRestoresSavedSignalMask checks the sigsuspend-style
// path: a saved mask installed before delivery is the one the frame
// carries and the one reinstated on return.
func TestSignalReturnRestoresSavedSignalMask(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Regs = PtRegs{Rsp: testMemBase + 0xF000}

	tg := NewThreadGroup(nil)
	th := NewThread(tg, nil, ctx)

	suspendMask := MakeSignalSet(SIGHUP, SIGUSR2)
	th.SetSignalMask(MakeSignalSet(SIGUSR1, SIGUSR2))
	th.SetSavedSignalMask(suspendMask)

	act := SigAct{Handler: 0x500000, Restorer: 0x500100}
	if err := th.deliverSignalToHandler(NewPrivateSignal(SIGUSR1), act); err != nil {
		t.Fatalf("deliverSignalToHandler: %v", err)
	}

	th.mu.Lock()
	cleared := !th.haveSavedSignalMask
	th.mu.Unlock()
	if !cleared {
		t.Error("haveSavedSignalMask not cleared by delivery")
	}

	ctx.Regs.Rsp += 8
	if err := th.SignalReturn(); err != ErrSyscallRetCtrl {
		t.Fatalf("SignalReturn: got %v, want ErrSyscallRetCtrl", err)
	}
	if got := th.SignalMask(); got != suspendMask {
		t.Errorf("mask after return: got %#x, want the saved mask %#x", got, suspendMask)
	}
}

func TestContext64SyscallRestart(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Regs = PtRegs{Rip: 0x401002, Rax: ^uint64(0), OrigRax: 35}

	ctx.RestartSyscall()
	if ctx.Regs.Rip != 0x401000 || ctx.Regs.Rax != 35 {
		t.Errorf("RestartSyscall: Rip %#x Rax %d", ctx.Regs.Rip, ctx.Regs.Rax)
	}

	ctx.Regs = PtRegs{Rip: 0x401002, OrigRax: 35}
	ctx.RestartSyscallWithRestartBlock()
	if ctx.Regs.Rip != 0x401000 || ctx.Regs.Rax != restartSyscallNr {
		t.Errorf("RestartSyscallWithRestartBlock: Rip %#x Rax %d", ctx.Regs.Rip, ctx.Regs.Rax)
	}
}
