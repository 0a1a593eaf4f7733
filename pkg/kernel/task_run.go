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

import "github.com/kvmguest/qkernel/pkg/waiter"

// TaskRunState is a reified state in the task goroutine's run loop: the set
// of states is closed and enumerable, so each is a distinct zero-size type
// satisfying this interface rather than an open-ended enum.
type TaskRunState interface {
	// Execute runs the code associated with this state and returns the
	// next state, or nil if the task goroutine should exit.
	Execute(t *Thread) TaskRunState
}

type runApp struct{}
type runInterrupt struct{}
type runExit struct{}
type runSyscallRet struct{}

// RunApp, RunInterrupt, RunExit and RunSyscallRet are the singleton
// instances of each run state.
var (
	RunApp        TaskRunState = runApp{}
	RunInterrupt  TaskRunState = runInterrupt{}
	RunExit       TaskRunState = runExit{}
	RunSyscallRet TaskRunState = runSyscallRet{}
)

func (runApp) Execute(t *Thread) TaskRunState        { return nil }
func (runExit) Execute(t *Thread) TaskRunState       { return nil }
func (runSyscallRet) Execute(t *Thread) TaskRunState { return nil }

// Execute implements the interrupt run state: the task goroutine's
// dispatch point for pending signals, group stops, and ptrace traps. It is
// re-entered (rather than looped internally) after handling any single
// condition, since interrupts are de-duplicated and a fresh one may have
// arrived while handling the last.
func (runInterrupt) Execute(t *Thread) TaskRunState {
	return t.RunInterrupt()
}

// RunInterrupt is the interrupt run state's body, implemented on Thread
// directly: this core keeps register state behind ThreadContext rather
// than in a separate Task type.
func (t *Thread) RunInterrupt() TaskRunState {
	tg := t.tg
	tg.signalMu.Lock()

	// Did we just leave a group stop?
	if tg.groupContNotify {
		tg.groupContNotify = false
		sig := tg.groupStopSignal
		intr := tg.groupContInterrupted
		tg.signalMu.Unlock()

		leader := tg.leader
		if leader.parent != nil {
			parent := leader.parent
			if intr {
				parent.leader.signalStop(leader, CLDStopped, sig)
				parent.eventQueue.Notify(eventGroupContinue | eventChildGroupStop)
			} else {
				parent.leader.signalStop(leader, CLDContinued, sig)
				parent.eventQueue.Notify(eventGroupContinue)
			}
		}
		return RunInterrupt
	}

	// Do we need to enter a group stop?
	if t.groupStopPending || t.trapStopPending || t.trapNotifyPending {
		sig := tg.groupStopSignal
		notifyParent := false
		if t.groupStopPending {
			t.groupStopPending = false
			notifyParent = t.participateGroupStopLocked()
		}
		t.trapStopPending = false
		t.trapNotifyPending = false

		leader := tg.leader
		if leader.parent == nil {
			notifyParent = false
		}

		if !t.killedLocked() {
			t.beginInternalStopLocked(GroupStop{})
		}
		tg.signalMu.Unlock()

		if notifyParent {
			parent := leader.parent
			parent.leader.signalStop(leader, CLDStopped, sig)
			parent.eventQueue.Notify(eventChildGroupStop)
		}
		return RunInterrupt
	}

	// Are there signals pending?
	signalMask := t.SignalMask()
	info := t.dequeueSignalLocked(signalMask)
	if info == nil {
		tg.signalMu.Unlock()
		return RunApp
	}

	if signalSetBit(info.Signo)&StopSignals != 0 {
		// Record that we've dequeued a stop signal before unlocking;
		// initiateGroupStop checks for races against a concurrent
		// endGroupStopLocked after relocking.
		tg.groupStopDequeued = true
	}

	act := tg.signalHandlers.DequeAct(info.Signo)
	tg.signalMu.Unlock()

	return t.ThreadDeliverSignal(info, act)
}

// event masks the interrupt-notification protocol raises on a thread's
// parent's event queue.
const (
	eventChildGroupStop = waiter.EventChildGroupStop
	eventGroupContinue  = waiter.EventGroupContinue
)

// ThreadDeliverSignal delivers info according to act's disposition and
// returns the following run state.
func (t *Thread) ThreadDeliverSignal(info *SignalInfo, act SigAct) TaskRunState {
	action := ComputeAction(info.Signo, act)

	if t.haveSyscallReturn {
		ret := t.ctx.Return()
		if sre, ok := SyscallRestartErrnoFromReturn(ret); ok && action == SignalActionHandler {
			switch {
			case sre == ERESTARTNOHAND,
				sre == ERESTARTRESTARTBLOCK && !act.Flags.IsRestart(),
				sre == ERESTARTSYS && !act.Flags.IsRestart():
				t.ctx.SetReturn(negEINTR)
			case sre == ERESTARTRESTARTBLOCK:
				t.ctx.RestartSyscallWithRestartBlock()
			default:
				t.ctx.RestartSyscall()
			}
		}
	}

	switch action {
	case SignalActionTerm, SignalActionCore:
		log.WithField("signal", info.Signo).Info("terminating thread group")
		t.PrepareGroupExit(ExitStatus{Signo: info.Signo})
		return RunExit

	case SignalActionStop:
		t.initiateGroupStop(info)

	case SignalActionIgnore:
		log.WithField("signal", info.Signo).Debug("signal ignored")

	case SignalActionHandler:
		log.WithField("signal", info.Signo).Debug("delivering to handler")
		if err := t.deliverSignalToHandler(info, act); err != nil {
			log.WithError(err).WithField("signal", info.Signo).Warn("failed to deliver signal to user handler")
			t.forceSignal(SIGSEGV, info.Signo == SIGSEGV)
			t.SendSignal(NewPrivateSignal(SIGSEGV))
		} else {
			return RunSyscallRet
		}
	}

	return RunInterrupt
}

const negEINTR = ^uint64(4) + 1 // two's complement -EINTR

// deliverSignalToHandler builds the signal frame for a user handler and
// updates t's running signal mask accordingly. The actual register/stack
// manipulation is delegated to t.ctx: the guest memory manager this would
// otherwise need to address directly is out of this core's scope.
func (t *Thread) deliverSignalToHandler(info *SignalInfo, act SigAct) error {
	t.mu.Lock()
	mask := t.signalMask
	if t.haveSavedSignalMask {
		mask = t.savedSignalMask
		t.haveSavedSignalMask = false
	}
	newMask := t.signalMask | act.Mask
	if !act.Flags.IsNoDefer() {
		newMask |= signalSetBit(info.Signo)
	}
	t.mu.Unlock()

	t.SetSignalMask(newMask)

	return t.ctx.PushSignalFrame(info, act, mask)
}

// SignalReturn implements sigreturn(2): it restores the interrupted machine
// context and signal mask saved by deliverSignalToHandler, re-arming a
// self-interrupt if signals are still pending.
func (t *Thread) SignalReturn() error {
	savedMask, err := t.ctx.PopSignalFrame()
	if err != nil {
		return err
	}

	// The restored context is not a syscall return; PopSignalFrame
	// already invalidated the register-level OrigRax.
	t.haveSyscallReturn = false

	oldMask := savedMask &^ UnblockableSignals
	t.SetSignalMask(oldMask)

	if t.PendingSignals() != 0 {
		t.interruptSelf()
	}
	return ErrSyscallRetCtrl
}

// ErrSyscallRetCtrl is returned by SignalReturn to tell the dispatcher to
// resume the task run loop (re-entering RunApp) instead of treating the
// return value as this syscall's result. It carries no errno of its own,
// so it is a distinct type rather than a *sysError with errno 0 (which
// would be indistinguishable from success through ErrnoOf).
type retCtrlError struct{}

func (retCtrlError) Error() string { return "syscall ret ctrl" }

var ErrSyscallRetCtrl error = retCtrlError{}

// PrepareGroupExit marks tg exiting with status, to be picked up by the
// exit-path components of this core (not otherwise modeled here).
func (t *Thread) PrepareGroupExit(status ExitStatus) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	if !tg.exiting {
		tg.exiting = true
		tg.exitStatus = status
	}
}
