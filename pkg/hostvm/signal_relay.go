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

package hostvm

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// numRelayedSignals is NUM_SIGNALS from signal_handle.rs: the standard
// (non-realtime) signal range the relay installs a handler for. SIGKILL
// and SIGSTOP are skipped since they can't be caught.
const numRelayedSignals = 32

// SignalRelay forwards host-received OS signals into the control socket
// as ControlMsg{Signal{...}}, for the guest signal core to inject via
// kernel.Thread.SendSignal. Dispatch mode is DeliverToForegroundProcessGroup
// when a console is attached, else DeliverToProcess.
type SignalRelay struct {
	controlSocket string
	console       int32 // atomic bool
	enabled       int32 // atomic bool

	ch     chan os.Signal
	stopCh chan struct{}
}

// NewSignalRelay returns a relay that forwards every catchable standard
// signal to controlSocket. No host signal handler is installed until
// Start is called.
func NewSignalRelay(controlSocket string) *SignalRelay {
	return &SignalRelay{
		controlSocket: controlSocket,
		ch:            make(chan os.Signal, 16),
		stopCh:        make(chan struct{}),
	}
}

func catchableSignals() []os.Signal {
	// signal.Notify only recognizes syscall.Signal values internally
	// (os/signal.signum type-switches on it specifically); a
	// golang.org/x/sys/unix.Signal here would silently register nothing.
	sigs := make([]os.Signal, 0, numRelayedSignals)
	for i := 1; i < numRelayedSignals; i++ {
		if i == int(unix.SIGKILL) || i == int(unix.SIGSTOP) {
			continue
		}
		sigs = append(sigs, syscall.Signal(i))
	}
	return sigs
}

// SetConsole toggles whether relayed signals should be dispatched to the
// foreground process group (console attached) or a single process.
func (r *SignalRelay) SetConsole(attached bool) {
	v := int32(0)
	if attached {
		v = 1
	}
	atomic.StoreInt32(&r.console, v)
}

// Start installs the host signal handler and begins relaying. Signals
// received before Start (or after Stop) are not forwarded, so bring-up
// code can finish setting up the control socket before signals start
// flowing.
func (r *SignalRelay) Start() {
	signal.Notify(r.ch, catchableSignals()...)
	atomic.StoreInt32(&r.enabled, 1)
	go r.run()
}

// Stop disables forwarding and stops the relay goroutine.
func (r *SignalRelay) Stop() {
	atomic.StoreInt32(&r.enabled, 0)
	signal.Stop(r.ch)
	close(r.stopCh)
}

func (r *SignalRelay) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case sig := <-r.ch:
			if atomic.LoadInt32(&r.enabled) == 0 {
				continue
			}
			r.relay(sig)
		}
	}
}

func (r *SignalRelay) relay(sig os.Signal) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	unixSig := unix.Signal(sysSig)

	mode := DeliverToProcess
	if atomic.LoadInt32(&r.console) != 0 {
		mode = DeliverToForegroundProcessGroup
	}

	msg := NewSignalControlMsg(int32(unixSig), 0, mode)
	if err := SendControlMsg(r.controlSocket, msg); err != nil {
		// A relay failure means a host signal intended for the guest
		// was dropped; that is fatal to the host process rather than
		// silently swallowed.
		log.WithError(err).WithField("signal", unixSig).Fatal("failed to relay host signal to guest")
	}
}
