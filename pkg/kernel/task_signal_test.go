// Copyright 2018 The gVisor Authors.
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
	"testing"
	"time"
)

type stubContext struct {
	ret uint64
}

func (s *stubContext) Return() uint64                          { return s.ret }
func (s *stubContext) SetReturn(v uint64)                       { s.ret = v }
func (s *stubContext) RestartSyscall()                          {}
func (s *stubContext) RestartSyscallWithRestartBlock()          {}
func (s *stubContext) PushSignalFrame(*SignalInfo, SigAct, SignalSet) error {
	return nil
}
func (s *stubContext) PopSignalFrame() (SignalSet, error) { return 0, nil }

func newTestThread() *Thread {
	tg := NewThreadGroup(nil)
	return NewThread(tg, nil, &stubContext{})
}

func TestSendSignalDeliversAndDequeues(t *testing.T) {
	thread := newTestThread()

	if err := thread.SendSignal(&SignalInfo{Signo: SIGUSR1}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	pending := thread.PendingSignals()
	if pending&MakeSignalSet(SIGUSR1) == 0 {
		t.Fatal("PendingSignals after SendSignal(SIGUSR1): SIGUSR1 not pending")
	}
}

func TestSendSignalRejectsInvalidSignal(t *testing.T) {
	thread := newTestThread()
	if err := thread.SendSignal(&SignalInfo{Signo: Signal(-1)}); err == nil {
		t.Fatal("SendSignal(-1): got nil error, want EINVAL")
	} else if errno, ok := ErrnoOf(err); !ok || errno != errEINVAL {
		t.Fatalf("SendSignal(-1): got err=%v, want EINVAL", err)
	}
}

func TestSendSignalToDeadThreadFails(t *testing.T) {
	thread := newTestThread()
	thread.mu.Lock()
	thread.exitState = TaskExitDead
	thread.mu.Unlock()

	err := thread.SendSignal(&SignalInfo{Signo: SIGUSR1})
	if err == nil {
		t.Fatal("SendSignal to a dead thread: got nil error, want ESRCH")
	}
	if errno, ok := ErrnoOf(err); !ok || errno != errESRCH {
		t.Fatalf("SendSignal to a dead thread: got err=%v, want ESRCH", err)
	}
}

func TestSetSignalMaskBlocksDeliveryWakeup(t *testing.T) {
	thread := newTestThread()

	thread.SetSignalMask(MakeSignalSet(SIGUSR1))
	thread.interruptedAndClear() // SetSignalMask may self-interrupt; drain it.

	if err := thread.SendSignal(&SignalInfo{Signo: SIGUSR1}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	if thread.Interrupted() {
		t.Fatal("thread interrupted after SendSignal of a masked signal: want no wakeup")
	}
	if thread.PendingSignals()&MakeSignalSet(SIGUSR1) == 0 {
		t.Fatal("masked signal not left pending")
	}
}

func TestSetSignalMaskUnblockingWakesPendingSignal(t *testing.T) {
	thread := newTestThread()

	thread.SetSignalMask(MakeSignalSet(SIGUSR1))
	thread.interruptedAndClear()

	if err := thread.SendSignal(&SignalInfo{Signo: SIGUSR1}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	thread.SetSignalMask(0)
	if !thread.Interrupted() {
		t.Fatal("unblocking a signal mask with a pending signal: want interrupt, got none")
	}
}

func TestSetSignalActIgnoreDiscardsPending(t *testing.T) {
	thread := newTestThread()
	tg := thread.ThreadGroup()

	if err := thread.SendSignal(&SignalInfo{Signo: SIGUSR1}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if thread.PendingSignals()&MakeSignalSet(SIGUSR1) == 0 {
		t.Fatal("precondition: SIGUSR1 should be pending before SetSignalAct")
	}

	if _, err := tg.SetSignalAct(SIGUSR1, &SigAct{Handler: SignalActIgnore}); err != nil {
		t.Fatalf("SetSignalAct: %v", err)
	}

	if thread.PendingSignals()&MakeSignalSet(SIGUSR1) != 0 {
		t.Fatal("SetSignalAct(ignore) did not discard the pending signal")
	}
}

func TestSetSignalActRejectsSigKillAndSigStop(t *testing.T) {
	thread := newTestThread()
	tg := thread.ThreadGroup()

	if _, err := tg.SetSignalAct(SIGKILL, &SigAct{Handler: SignalActIgnore}); err == nil {
		t.Fatal("SetSignalAct(SIGKILL): got nil error, want EINVAL")
	}
	if _, err := tg.SetSignalAct(SIGSTOP, &SigAct{Handler: SignalActIgnore}); err == nil {
		t.Fatal("SetSignalAct(SIGSTOP): got nil error, want EINVAL")
	}
}

func TestSigKillMarksGroupExitingAndThreadKilled(t *testing.T) {
	thread := newTestThread()
	tg := thread.ThreadGroup()

	if err := thread.SendSignal(&SignalInfo{Signo: SIGKILL}); err != nil {
		t.Fatalf("SendSignal(SIGKILL): %v", err)
	}

	tg.signalMu.Lock()
	exiting := tg.exiting
	tg.signalMu.Unlock()
	if !exiting {
		t.Fatal("SIGKILL delivery did not mark the thread group exiting")
	}

	thread.mu.Lock()
	killed := thread.killed
	thread.mu.Unlock()
	if !killed {
		t.Fatal("SIGKILL delivery did not mark the thread killed")
	}
}

func TestSigtimedwaitReturnsAlreadyPendingSignal(t *testing.T) {
	thread := newTestThread()
	if err := thread.SendSignal(&SignalInfo{Signo: SIGUSR2}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	info, err := thread.Sigtimedwait(MakeSignalSet(SIGUSR2), time.Second)
	if err != nil {
		t.Fatalf("Sigtimedwait: %v", err)
	}
	if info == nil || info.Signo != SIGUSR2 {
		t.Fatalf("Sigtimedwait: got %+v, want SIGUSR2", info)
	}
}

func TestSigtimedwaitTimesOutWithNoSignal(t *testing.T) {
	thread := newTestThread()
	_, err := thread.Sigtimedwait(MakeSignalSet(SIGUSR2), 10*time.Millisecond)
	if err == nil {
		t.Fatal("Sigtimedwait with no pending signal: got nil error, want EAGAIN")
	}
	if errno, ok := ErrnoOf(err); !ok || errno != errEAGAIN {
		t.Fatalf("Sigtimedwait timeout: got err=%v, want EAGAIN", err)
	}
}

func TestSigtimedwaitWakesOnConcurrentSignal(t *testing.T) {
	thread := newTestThread()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		thread.SendSignal(&SignalInfo{Signo: SIGUSR1})
		close(done)
	}()

	info, err := thread.Sigtimedwait(MakeSignalSet(SIGUSR1), time.Second)
	<-done
	if err != nil {
		t.Fatalf("Sigtimedwait: %v", err)
	}
	if info == nil || info.Signo != SIGUSR1 {
		t.Fatalf("Sigtimedwait: got %+v, want SIGUSR1", info)
	}
}
