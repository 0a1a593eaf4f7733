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
	"time"

	"github.com/kvmguest/qkernel/pkg/waiter"
)

// Errno values this package returns directly.
const (
	errESRCH  = 3
	errEAGAIN = 11
	errEINVAL = 22
)

type sysError struct{ errno int }

func (e *sysError) Error() string { return "errno" }

func sysErr(errno int) error { return &sysError{errno} }

// ErrnoOf extracts the errno carried by an error constructed by this
// package, for callers translating back into a syscall return value.
func ErrnoOf(err error) (int, bool) {
	se, ok := err.(*sysError)
	if !ok {
		return 0, false
	}
	return se.errno, true
}

// dequeueSignalLocked returns a pending signal not included in mask,
// preferring t's own queue over the group's. Preconditions: t.tg's signal
// mutex must be locked.
func (t *Thread) dequeueSignalLocked(mask SignalSet) *SignalInfo {
	if info := t.pendingSignals.Dequeue(mask); info != nil {
		return info
	}
	return t.tg.pendingSignals.Dequeue(mask)
}

// participateGroupStopLocked is called after t unsets t.groupStopPending to
// handle thread-group-wide side effects. The caller is responsible for the
// task-side effect (entering the stop). It returns true if the caller must
// notify the group leader's parent of a completed group stop, which
// participateGroupStopLocked cannot do itself since that requires a
// different lock than the one it's called under. Preconditions: the signal
// mutex must be locked.
func (t *Thread) participateGroupStopLocked() bool {
	if t.groupStopAcknowledged {
		return false
	}
	t.groupStopAcknowledged = true

	tg := t.tg
	tg.groupStopPendingCount--
	if tg.groupStopPendingCount != 0 {
		return false
	}
	if tg.groupStopComplete {
		return false
	}

	tg.groupStopComplete = true
	tg.groupStopWaitable = true
	tg.groupContNotify = false
	tg.groupContWaitable = false
	return true
}

// canReceiveSignalLocked returns true if t should be interrupted to receive
// sig. Analogous to Linux's kernel/signal.c:wants_signal(): t is excluded
// if it's blocking sig, stopped, or has an interrupt already pending that
// it hasn't consumed yet (it may be busy handling another signal).
// Preconditions: the signal mutex must be locked.
func (t *Thread) canReceiveSignalLocked(sig Signal) bool {
	t.SignalQueue.Notify(waiter.EventMask(MakeSignalSet(sig)))

	t.mu.Lock()
	blocked := t.signalMask&signalSetBit(sig) != 0
	stopped := t.stop != nil
	t.mu.Unlock()

	if blocked || stopped {
		return false
	}
	return !t.Interrupted()
}

// forceSignal ensures t is not ignoring or blocking sig. If unconditional
// is true, it resets the disposition to default even if sig isn't
// currently blocked or ignored.
func (t *Thread) forceSignal(sig Signal, unconditional bool) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()

	t.mu.Lock()
	blocked := t.signalMask&signalSetBit(sig) != 0
	t.mu.Unlock()

	act := tg.signalHandlers.GetAct(sig)
	ignored := act.Handler == SignalActIgnore

	if blocked || ignored || unconditional {
		act.Handler = SignalActDefault
		tg.signalHandlers.SetAct(sig, act)
		if blocked {
			t.mu.Lock()
			newMask := t.signalMask &^ signalSetBit(sig)
			t.mu.Unlock()
			t.setSignalMaskLocked(newMask)
		}
	}
}

// setSignalMaskLocked installs mask (after stripping UnblockableSignals) as
// t's signal mask, waking a replacement receiver for any group-pending
// signal that becomes newly blocked, and re-checking t itself for any
// signal that becomes newly unblocked. Preconditions: t.tg's signal mutex
// must be locked.
func (t *Thread) setSignalMaskLocked(mask SignalSet) {
	mask &^= UnblockableSignals

	t.mu.Lock()
	oldMask := t.signalMask
	t.signalMask = mask
	t.mu.Unlock()

	tg := t.tg

	newlyBlocked := mask &^ oldMask
	blockedGroupPending := newlyBlocked & tg.pendingSignals.pendingSet
	if blockedGroupPending != 0 && t.interruptedAndClear() {
		blockedGroupPending.ForEachSignal(func(sig Signal) {
			if nt := tg.findSignalReceiverLocked(sig); nt != nil {
				nt.interrupt()
			}
		})
		// Re-issue the interrupt consumed above, since it may have been
		// for a different reason than this mask change.
		t.interruptSelf()
	}

	newlyUnblocked := oldMask &^ mask
	unblockedPending := newlyUnblocked & (t.pendingSignalSet() | tg.pendingSignals.pendingSet)
	if unblockedPending != 0 {
		t.interruptSelf()
	}
}

func (t *Thread) pendingSignalSet() SignalSet {
	return t.pendingSignals.pendingSet
}

// initiateGroupStop attempts to initiate a group stop based on a
// previously dequeued stop signal. Preconditions: the caller must be
// running on the task goroutine (i.e. not concurrently with other methods
// on t).
func (t *Thread) initiateGroupStop(info *SignalInfo) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()

	if t.groupStopPending {
		log.WithField("signal", info.Signo).Info("not stopping thread group: lost to racing stop signal")
		return
	}
	if !tg.groupStopDequeued {
		log.WithField("signal", info.Signo).Info("not stopping thread group: lost to racing SIGCONT")
		return
	}
	if tg.exiting {
		log.WithField("signal", info.Signo).Info("not stopping thread group: lost to racing group exit")
		return
	}

	if !tg.groupStopComplete {
		tg.groupStopSignal = info.Signo
	}
	tg.groupStopPendingCount = 0

	add := 0
	for _, t2 := range tg.tasks {
		dead := t2.killedLocked() || t2.ExitState() >= TaskExitInitiated
		if dead {
			t2.groupStopPending = false
			continue
		}
		t2.groupStopPending = true
		t2.groupStopAcknowledged = false
		t2.interrupt()
		add++
	}
	tg.groupStopPendingCount += add

	log.WithField("signal", info.Signo).WithField("count", tg.groupStopPendingCount).Info("stopping threads in thread group")
}

// SetSignalMask sets t's signal mask. Preconditions: SetSignalMask can only
// be called by the task goroutine, and t's exit state must be below
// TaskExitZombie.
func (t *Thread) SetSignalMask(mask SignalSet) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	t.setSignalMaskLocked(mask)
}

// signalStop sends target's thread group a SIGCHLD reporting a group stop,
// continue, or ptrace-stop transition, if the group's SIGCHLD disposition
// calls for it. Preconditions: t is the thread signaling on target's
// behalf (typically the parent).
func (t *Thread) signalStop(target *Thread, code int32, status Signal) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()

	act := tg.signalHandlers.GetAct(SIGCHLD)
	if act.Handler == SignalActIgnore || act.Flags&SigFlagNoCldStop != 0 {
		return
	}

	info := &SignalInfo{
		Signo:      SIGCHLD,
		Code:       code,
		ChldPID:    uint32(target.ID),
		ChldStatus: int32(status),
	}
	t.sendSignalLocked(info, true)
}

// sendSignalLocked is sendSignalTimerLocked with no attached timer.
func (t *Thread) sendSignalLocked(info *SignalInfo, group bool) error {
	return t.sendSignalTimerLocked(info, group, nil)
}

// sendSignalTimerLocked is the core of signal delivery: it applies side
// effects unconditionally, discards ignored-and-unmasked signals, enqueues
// otherwise, and picks a receiver to interrupt. Preconditions: t.tg's
// signal mutex must be locked.
func (t *Thread) sendSignalTimerLocked(info *SignalInfo, group bool, timer IntervalTimer) error {
	t.mu.Lock()
	dead := t.exitState == TaskExitDead
	t.mu.Unlock()
	if dead {
		return sysErr(errESRCH)
	}

	sig := info.Signo
	if sig == 0 {
		return nil
	}
	if !sig.IsValid() {
		return sysErr(errEINVAL)
	}

	tg := t.tg
	tg.applySignalSideEffectsLocked(sig)

	act := tg.signalHandlers.GetAct(sig)
	ignored := ComputeAction(sig, act) == SignalActionIgnore

	t.mu.Lock()
	signalMask := t.signalMask
	realSignalMask := t.realSignalMask
	t.mu.Unlock()

	bit := signalSetBit(sig)
	if bit&signalMask == 0 && bit&realSignalMask == 0 && ignored {
		log.WithField("signal", sig).Debug("discarding ignored signal")
		if timer != nil {
			timer.SignalRejected()
		}
		return nil
	}

	var queued bool
	if group {
		queued = tg.pendingSignals.Enqueue(info, timer)
	} else {
		queued = t.pendingSignals.Enqueue(info, timer)
	}
	if !queued {
		if sig.IsRealtime() {
			return sysErr(errEAGAIN)
		}
		if timer != nil {
			timer.SignalRejected()
		}
		return nil
	}

	// Find a receiver to notify. The task notified may not be the one
	// that actually dequeues and handles the signal: a racing mask
	// change may disqualify it, or a racing sibling may dequeue first.
	if t.canReceiveSignalLocked(sig) {
		log.WithField("thread", t.ID).WithField("signal", sig).Debug("notified of signal")
		t.interrupt()
		return nil
	}

	if group {
		if nt := tg.findSignalReceiverLocked(sig); nt != nil {
			nt.interrupt()
			return nil
		}
	}

	log.WithField("signal", sig).Debug("no task notified of signal")
	return nil
}

// PendingSignals returns the union of signals pending on t and its thread
// group.
func (t *Thread) PendingSignals() SignalSet {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	return t.pendingSignals.pendingSet | tg.pendingSignals.pendingSet
}

// SendSignal sends info to t specifically.
//
// Possible errors: ESRCH if the task has exited, EINVAL if the signal
// number is invalid, EAGAIN if the signal is real-time and the queue is
// full.
func (t *Thread) SendSignal(info *SignalInfo) error {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	return t.sendSignalLocked(info, false)
}

// SendGroupSignal sends info to t's entire thread group.
func (t *Thread) SendGroupSignal(info *SignalInfo) error {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	return t.sendSignalLocked(info, true)
}

// Sigtimedwait implements sigtimedwait(2): it blocks until a signal in set
// arrives or timeout elapses. Preconditions: the caller must be running on
// the task goroutine; t's exit state must be below TaskExitZombie.
func (t *Thread) Sigtimedwait(set SignalSet, timeout time.Duration) (*SignalInfo, error) {
	// set is signals of interest; invert to get the mask to wait under.
	mask := ^(set &^ UnblockableSignals)

	tg := t.tg

	tg.signalMu.Lock()
	if info := t.dequeueSignalLocked(mask); info != nil {
		tg.signalMu.Unlock()
		return info, nil
	}
	if timeout <= 0 {
		tg.signalMu.Unlock()
		return nil, sysErr(errEAGAIN)
	}

	t.mu.Lock()
	signalMask := t.signalMask
	t.realSignalMask = signalMask
	t.mu.Unlock()
	t.setSignalMaskLocked(signalMask & mask)
	tg.signalMu.Unlock()

	waitErr := t.blocker.Wait(timeout)

	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()

	t.mu.Lock()
	realSignalMask := t.realSignalMask
	t.realSignalMask = 0
	t.mu.Unlock()
	t.setSignalMaskLocked(realSignalMask)

	if info := t.dequeueSignalLocked(mask); info != nil {
		return info, nil
	}
	if waitErr == ErrTimedOut {
		return nil, sysErr(errEAGAIN)
	}
	return nil, waitErr
}

// SignalMask returns a copy of t's signal mask.
func (t *Thread) SignalMask() SignalSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signalMask
}

// SetSavedSignalMask sets t's saved signal mask, restored the next time a
// signal handler returns. Preconditions: can only be called by the task
// goroutine.
func (t *Thread) SetSavedSignalMask(mask SignalSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savedSignalMask = mask
	t.haveSavedSignalMask = true
}

// SignalRegister registers e to be notified when an event in mask occurs
// on t's pending-signal queue.
func (t *Thread) SignalRegister(e *waiter.Entry, mask waiter.EventMask) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	t.SignalQueue.EventRegister(e, mask)
}

// SignalUnregister removes e from t's pending-signal queue.
func (t *Thread) SignalUnregister(e *waiter.Entry) {
	tg := t.tg
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	t.SignalQueue.EventUnregister(e)
}

// discardSpecificLocked removes every queued instance of sig from tg's
// queue and every member task's queue. Preconditions: the signal mutex
// must be locked.
func (tg *ThreadGroup) discardSpecificLocked(sig Signal) {
	tg.pendingSignals.Discard(sig)
	for _, t := range tg.tasks {
		t.pendingSignals.Discard(sig)
	}
}

// applySignalSideEffectsLocked applies the group-wide effects sig has
// independent of whether it is ultimately delivered or discarded:
// stop-set signals discard pending SIGCONT, SIGCONT ends any group stop,
// and SIGKILL marks the whole group exiting and every task killed.
// Preconditions: the signal mutex must be locked.
func (tg *ThreadGroup) applySignalSideEffectsLocked(sig Signal) {
	switch {
	case signalSetBit(sig)&StopSignals != 0:
		tg.discardSpecificLocked(SIGCONT)

	case sig == SIGCONT:
		// SIGCONT wakes a group-stopped process as a side effect that
		// happens before signal-delivery-stop and can't be suppressed.
		tg.endGroupStopLocked(true)

	case sig == SIGKILL:
		// SIGKILL kills even within system calls and never generates
		// signal-delivery-stop.
		if !tg.exiting {
			tg.exiting = true
			tg.exitStatus = ExitStatus{Signo: SIGKILL}
		}
		for _, t := range tg.tasks {
			t.killLocked()
		}
	}
}

// findSignalReceiverLocked returns a task in tg eligible to receive sig, or
// nil if none is. Preconditions: the signal mutex must be locked.
func (tg *ThreadGroup) findSignalReceiverLocked(sig Signal) *Thread {
	for _, t := range tg.tasks {
		if t.canReceiveSignalLocked(sig) {
			return t
		}
	}
	return nil
}

// endGroupStopLocked ensures every stop signal tg has previously received
// neither is nor will be stopping it: discards every queued stop signal,
// lifts every task's internal group stop, and if broadcast, arranges for a
// continuing task to notify the parent. Preconditions: the signal mutex
// must be locked.
func (tg *ThreadGroup) endGroupStopLocked(broadcast bool) {
	StopSignals.ForEachSignal(tg.discardSpecificLocked)

	if tg.groupStopPendingCount == 0 && !tg.groupStopComplete {
		return
	}

	for _, t := range tg.tasks {
		t.groupStopPending = true
		if t.stop != nil && t.stop.Type() == GroupStopType {
			t.endInternalStopLocked()
		}
	}

	if broadcast {
		// Rather than notify the parent here (which would require
		// taking its signal mutex while already holding tg's), set
		// groupContNotify so one of the continuing tasks does so once
		// it's safe to take both locks in order.
		tg.groupContNotify = true
		tg.groupContInterrupted = !tg.groupStopComplete
		tg.groupContWaitable = true
	}

	// Unsetting groupStopDequeued lets racing initiateGroupStop calls
	// recognize the group stop was cancelled.
	tg.groupStopDequeued = false
	tg.groupStopSignal = 0
	tg.groupStopPendingCount = 0
	tg.groupStopComplete = false
	tg.groupStopWaitable = false
}

// SendSignal sends info to tg via its leader.
func (tg *ThreadGroup) SendSignal(info *SignalInfo) error {
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	return tg.leader.sendSignalLocked(info, true)
}

// SetSignalAct atomically installs act as tg's disposition for sig and
// returns the previous disposition. SIGKILL and SIGSTOP's dispositions
// cannot be changed. Installing a disposition that ignores a pending
// signal discards it, per POSIX.
func (tg *ThreadGroup) SetSignalAct(sig Signal, act *SigAct) (SigAct, error) {
	if !sig.IsValid() {
		return SigAct{}, sysErr(errEINVAL)
	}

	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()

	oldAct := tg.signalHandlers.GetAct(sig)
	if (sig == SIGKILL || sig == SIGSTOP) && act != nil {
		return SigAct{}, sysErr(errEINVAL)
	}

	if act != nil {
		a := *act
		a.Mask &^= UnblockableSignals
		tg.signalHandlers.SetAct(sig, a)

		if ComputeAction(sig, a) == SignalActionIgnore {
			tg.discardSpecificLocked(sig)
		}
	}

	return oldAct, nil
}
