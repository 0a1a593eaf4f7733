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

// SignalAction is the outcome ComputeAction resolves a (signal, action)
// pair to.
type SignalAction int

const (
	SignalActionTerm SignalAction = iota
	SignalActionCore
	SignalActionStop
	SignalActionIgnore
	SignalActionHandler
)

// defaultAction is indexed by signal number 1..31; signal 0 and real-time
// signals (>=32) are handled specially in ComputeAction and never index
// into this table.
var defaultAction = [32]SignalAction{
	0:  SignalActionIgnore,
	1:  SignalActionTerm,
	2:  SignalActionTerm,
	3:  SignalActionCore,
	4:  SignalActionCore,
	5:  SignalActionCore,
	6:  SignalActionCore,
	7:  SignalActionCore,
	8:  SignalActionCore,
	9:  SignalActionTerm,
	10: SignalActionTerm,
	11: SignalActionCore,
	12: SignalActionTerm,
	13: SignalActionTerm,
	14: SignalActionTerm,
	15: SignalActionTerm,
	16: SignalActionTerm,
	17: SignalActionIgnore,
	18: SignalActionIgnore,
	19: SignalActionStop,
	20: SignalActionStop,
	21: SignalActionStop,
	22: SignalActionStop,
	23: SignalActionIgnore,
	24: SignalActionCore,
	25: SignalActionCore,
	26: SignalActionTerm,
	27: SignalActionTerm,
	28: SignalActionIgnore,
	29: SignalActionTerm,
	30: SignalActionCore,
	31: SignalActionCore,
}

// ComputeAction figures out what to do given a signal number and a
// SigAct. SIGSTOP always results in SignalActionStop, SIGKILL always
// results in SignalActionTerm, and signal 0 is always ignored since many
// programs use it for liveness checks and don't expect it to do anything.
//
// Otherwise act.Handler determines what happens: SignalActDefault consults
// defaultAction (real-time signals default to SignalActionHandler, since
// this core has no default disposition table entry for them);
// SignalActIgnore always ignores; anything else means a user handler is
// installed.
func ComputeAction(sig Signal, act SigAct) SignalAction {
	switch sig {
	case SIGSTOP:
		return SignalActionStop
	case SIGKILL:
		return SignalActionTerm
	case 0:
		return SignalActionIgnore
	}

	switch act.Handler {
	case SignalActDefault:
		if sig.IsRealtime() {
			return SignalActionHandler
		}
		return defaultAction[sig]
	case SignalActIgnore:
		return SignalActionIgnore
	default:
		return SignalActionHandler
	}
}
