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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvmguest/qkernel/pkg/uniqueid"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

var log = logrus.WithField("pkg", "kernel")

// TaskExitState is a Thread's position in the exit sequence.
type TaskExitState int

const (
	TaskExitNone TaskExitState = iota
	TaskExitInitiated
	TaskExitZombie
	TaskExitDead
)

// SignalHandlers holds the signal dispositions shared by every Thread in a
// ThreadGroup (exec resets them to defaults but otherwise they are shared
// across the group, matching Linux's CLONE_SIGHAND).
type SignalHandlers struct {
	mu      sync.Mutex
	actions map[Signal]SigAct
}

func newSignalHandlers() *SignalHandlers {
	return &SignalHandlers{actions: make(map[Signal]SigAct)}
}

// GetAct returns sig's current disposition, defaulting to SignalActDefault
// if it was never set.
func (sh *SignalHandlers) GetAct(sig Signal) SigAct {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.actions[sig]
}

// SetAct installs act as sig's disposition.
func (sh *SignalHandlers) SetAct(sig Signal, act SigAct) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.actions[sig] = act
}

// DequeAct atomically reads and clears sig's SA_RESETHAND-equivalent; this
// core does not implement SA_RESETHAND, so DequeAct is just GetAct, kept as
// a distinct name to match the call sites that conceptually "take" the
// action to deliver a single dequeued signal.
func (sh *SignalHandlers) DequeAct(sig Signal) SigAct {
	return sh.GetAct(sig)
}

// ThreadGroup is the Go analog of a POSIX process: a set of Threads sharing
// signal handlers and subject to group-wide stop/continue/exit semantics.
type ThreadGroup struct {
	ID uint64

	signalMu       sync.Mutex
	signalHandlers *SignalHandlers
	pendingSignals pendingSignals

	leader *Thread
	tasks  []*Thread

	groupStopPendingCount int
	groupStopComplete     bool
	groupStopWaitable     bool
	groupStopDequeued     bool
	groupStopSignal       Signal

	groupContNotify      bool
	groupContWaitable    bool
	groupContInterrupted bool

	exiting    bool
	exitStatus ExitStatus

	// parent is the thread group to notify of group-stop/continue
	// transitions (the leader's parent, in Linux terms). nil for the
	// root group.
	parent *ThreadGroup

	eventQueue waiter.Queue
}

// ExitStatus records how a thread group ended.
type ExitStatus struct {
	Code  int32
	Signo Signal
}

// NewThreadGroup creates an empty thread group with no tasks; the caller
// adds the leader via AddTask.
func NewThreadGroup(parent *ThreadGroup) *ThreadGroup {
	return &ThreadGroup{
		ID:             uniqueid.NewUID(),
		signalHandlers: newSignalHandlers(),
		pendingSignals: newPendingSignals(),
		parent:         parent,
	}
}

// AddTask registers t as a member of tg, setting tg's leader if this is the
// first task added.
func (tg *ThreadGroup) AddTask(t *Thread) {
	tg.signalMu.Lock()
	defer tg.signalMu.Unlock()
	if tg.leader == nil {
		tg.leader = t
	}
	tg.tasks = append(tg.tasks, t)
}

// Thread is a single schedulable guest thread of execution: Linux's
// task_struct, minus the address-space/register state this core delegates
// to ThreadContext.
type Thread struct {
	ID uint64
	tg *ThreadGroup

	mu sync.Mutex

	name string

	signalMask          SignalSet
	realSignalMask      SignalSet
	savedSignalMask     SignalSet
	haveSavedSignalMask bool

	pendingSignals pendingSignals
	SignalQueue    waiter.Queue

	groupStopPending      bool
	groupStopAcknowledged bool
	trapStopPending       bool
	trapNotifyPending     bool

	stop      TaskStop
	exitState TaskExitState
	killed    bool

	// parent is the thread group that should be notified of this
	// thread's (or its group's) stop/continue/exit transitions, if any.
	parent *ThreadGroup

	interrupted bool
	blocker     *Blocker

	haveSyscallReturn bool
	ctx               ThreadContext
}

// NewThread creates a Thread joined to tg, with ctx as its
// register/stack boundary.
func NewThread(tg *ThreadGroup, parent *ThreadGroup, ctx ThreadContext) *Thread {
	t := &Thread{
		ID:             uniqueid.NewUID(),
		tg:             tg,
		pendingSignals: newPendingSignals(),
		parent:         parent,
		blocker:        NewBlocker(),
		ctx:            ctx,
	}
	tg.AddTask(t)
	return t
}

// ThreadGroup returns t's thread group.
func (t *Thread) ThreadGroup() *ThreadGroup { return t.tg }

// Name returns t's comm name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName installs t's comm name; the loader truncates to the comm
// length limit before calling this.
func (t *Thread) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// ExitState returns t's current exit state.
func (t *Thread) ExitState() TaskExitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitState
}

// interruptLocked marks t interrupted and wakes its blocker. Preconditions:
// t.mu must be locked.
func (t *Thread) interruptLocked() {
	t.interrupted = true
	t.blocker.Wake()
}

// interrupt marks t interrupted and wakes its blocker. Unlike
// interruptLocked, it takes t.mu itself; use this from any caller not
// already holding t.mu (the common case — most signal-sending paths
// interrupt a different task than whatever lock they're already holding).
func (t *Thread) interrupt() {
	t.mu.Lock()
	t.interruptLocked()
	t.mu.Unlock()
}

// interruptSelf re-issues an interrupt consumed by a racing check, so that
// the interrupted condition isn't lost even though it's already been
// observed once.
func (t *Thread) interruptSelf() {
	t.interrupt()
}

// Interrupted reports whether t has a pending interrupt, without consuming
// it. It implements fs.Task so blocking file operations can check whether
// to abort early without racing whatever consumed the interrupt for its
// own purposes.
func (t *Thread) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// interruptedAndClear reports whether t has a pending interrupt and clears
// it (consumes it) in the same step. Interrupts are de-duplicated this
// way: if t is interrupted twice before interruptedAndClear is called, it
// only reports true once, so callers that act on it must re-enter their
// checking loop rather than assume no more work is pending.
func (t *Thread) interruptedAndClear() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.interrupted
	t.interrupted = false
	return v
}
