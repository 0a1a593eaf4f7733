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
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "hostvm")

// SignalDeliveryMode selects how a relayed host signal is dispatched to
// guest processes: to a single process, or to the foreground process
// group of the attached terminal.
type SignalDeliveryMode int

const (
	DeliverToProcess SignalDeliveryMode = iota
	DeliverToForegroundProcessGroup
)

// ControlMsgPayload is a closed enumeration of control-socket message
// kinds. Signal is the only variant this core's scope requires; a full
// control protocol would carry others (pause, resume, container
// lifecycle).
type ControlMsgPayload struct {
	Signal *SignalArgs
}

// SignalArgs is the payload of a relayed host signal.
type SignalArgs struct {
	Signo int32
	PID   int32
	Mode  SignalDeliveryMode
}

// ControlMsg is one message sent over the host control socket.
type ControlMsg struct {
	Payload ControlMsgPayload
}

// NewSignalControlMsg builds a ControlMsg carrying a relayed signal.
func NewSignalControlMsg(signo int32, pid int32, mode SignalDeliveryMode) ControlMsg {
	return ControlMsg{Payload: ControlMsgPayload{Signal: &SignalArgs{Signo: signo, PID: pid, Mode: mode}}}
}

// ControlServer listens on a Unix-domain socket and dispatches each
// accepted connection's decoded ControlMsg to its handler. The signal
// relay is its only in-tree client; anything else with the socket path
// can drive it the same way.
type ControlServer struct {
	path     string
	listener net.Listener
	handler  func(ControlMsg)
}

// NewControlServer binds a Unix-domain socket at path, removing any
// stale socket file left behind by a previous instance first.
func NewControlServer(path string, handler func(ControlMsg)) (*ControlServer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("hostvm: removing stale control socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("hostvm: listening on control socket %s: %w", path, err)
	}
	return &ControlServer{path: path, listener: l, handler: handler}, nil
}

// Run accepts connections until the listener is closed, decoding and
// dispatching one ControlMsg per connection.
func (s *ControlServer) Run() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			return fmt.Errorf("hostvm: control socket accept: %w", err)
		}
		go s.serve(conn)
	}
}

func (s *ControlServer) serve(conn net.Conn) {
	defer conn.Close()
	var msg ControlMsg
	if err := gob.NewDecoder(conn).Decode(&msg); err != nil {
		log.WithError(err).Warn("failed to decode control message")
		return
	}
	s.handler(msg)
}

// Close stops accepting new connections.
func (s *ControlServer) Close() error {
	return s.listener.Close()
}

// SendControlMsg dials path and sends msg, the client side used by the
// host signal relay to post a relayed signal to the control socket.
func SendControlMsg(path string, msg ControlMsg) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("hostvm: dialing control socket %s: %w", path, err)
	}
	defer conn.Close()
	return gob.NewEncoder(conn).Encode(msg)
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
