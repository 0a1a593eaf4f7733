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
	"fmt"
	"os"

	"github.com/containerd/console"
)

// HostConsole puts the host's controlling terminal into raw mode for the
// duration of a foreground sandbox run, and restores it on Close. This is
// the host side of the DeliverToForegroundProcessGroup dispatch
// mode: when a console is attached, Ctrl-C et al. on the host terminal
// become signals relayed to the guest's foreground process group instead
// of the host process.
type HostConsole struct {
	current console.Console
}

// AttachHostConsole puts stdin's controlling terminal in raw mode, if it is
// one; it returns (nil, nil) when stdin isn't a terminal, which is the
// common case for a sandbox run under a supervisor with no attached TTY.
func AttachHostConsole() (*HostConsole, error) {
	if !isTerminal(os.Stdin) {
		return nil, nil
	}

	cur := console.Current()
	if err := cur.SetRaw(); err != nil {
		return nil, fmt.Errorf("hostvm: setting host console raw mode: %w", err)
	}
	return &HostConsole{current: cur}, nil
}

// Close restores the host console's prior terminal mode.
func (c *HostConsole) Close() error {
	if c == nil || c.current == nil {
		return nil
	}
	return c.current.Reset()
}

// Size returns the host console's current window size, for matching the
// guest's foreground TTY to the host terminal. It only reads the size; it
// does not resize anything.
func (c *HostConsole) Size() (console.WinSize, error) {
	if c == nil || c.current == nil {
		return console.WinSize{}, fmt.Errorf("hostvm: no host console attached")
	}
	return c.current.Size()
}

func isTerminal(f *os.File) bool {
	_, err := console.ConsoleFromFile(f)
	return err == nil
}
