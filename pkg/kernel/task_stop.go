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

// TaskStopType identifies the reason a Thread is internally stopped.
type TaskStopType int

const (
	// GroupStopType marks a thread stopped by a group-stop signal
	// (SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU).
	GroupStopType TaskStopType = iota
)

// TaskStop is a condition that prevents a Thread's task goroutine from
// running application code until it is lifted.
type TaskStop interface {
	Type() TaskStopType
	// Killable reports whether SIGKILL ends this stop immediately rather
	// than waiting for it to be lifted normally.
	Killable() bool
}

// GroupStop is the TaskStop a thread enters on receipt of a stop signal.
// The term "group-stop" comes from the ptrace(2) man page.
type GroupStop struct{}

func (GroupStop) Type() TaskStopType { return GroupStopType }
func (GroupStop) Killable() bool     { return true }

// beginInternalStopLocked places t into stop. Preconditions: t.tg.signalMu
// must be locked.
func (t *Thread) beginInternalStopLocked(stop TaskStop) {
	t.stop = stop
}

// endInternalStopLocked lifts whatever internal stop t is in.
// Preconditions: t.tg.signalMu must be locked.
func (t *Thread) endInternalStopLocked() {
	t.stop = nil
}

// killedLocked reports whether t has been marked killed (by SIGKILL side
// effects). Preconditions: t.tg.signalMu must be locked.
func (t *Thread) killedLocked() bool {
	return t.killed
}

// killLocked marks t killed and lifts any stop it's in, since SIGKILL
// cannot be suppressed by a stop. Preconditions: t.tg.signalMu must be
// locked.
func (t *Thread) killLocked() {
	t.killed = true
	t.stop = nil
	t.interrupt()
}
