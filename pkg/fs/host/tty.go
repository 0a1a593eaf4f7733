// Copyright 2020 The gVisor Authors.
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

package host

import (
	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/kvmguest/qkernel/pkg/fs"
)

// AllocatePTY opens a fresh host pty pair via creack/pty and returns the
// master fd and the replica's path for the guest to subsequently import
// its slave end from.
func AllocatePTY() (masterFD int, slavePath string, err error) {
	master, slave, err := pty.Open()
	if err != nil {
		return -1, "", err
	}
	defer slave.Close()
	return int(master.Fd()), slave.Name(), nil
}

// TTYFileOperations wraps a plain host FileOperations, adding the terminal
// ioctl dispatch a TTY master or slave needs on top of ordinary
// read/write/seek behavior.
type TTYFileOperations struct {
	*FileOperations
}

// NewTTYFile wraps inode (already imported from a host pty fd) as a TTY
// File.
func NewTTYFile(inode *Inode, flags fs.FileFlags, lockTid uint64) *fs.File {
	fops := &TTYFileOperations{FileOperations: &FileOperations{inode: inode}}
	return fs.New(inode, flags, fops, lockTid)
}

func (*TTYFileOperations) FopsType() fs.FopsType { return fs.FopsTTY }

func (t *TTYFileOperations) Ioctl(_ fs.Task, _ *fs.File, _ int32, request uint64, val uint64) error {
	fd := t.inode.hostFD

	switch uint32(request) {
	case unix.TIOCINQ: // FIONREAD; same ioctl number, not exported by this x/sys build
		// Accepted without querying the host fd; no queued-byte count
		// is produced.
		return nil

	case unix.TCGETS:
		_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		return err

	case unix.TCSETS:
		termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return err
		}
		return unix.IoctlSetTermios(fd, unix.TCSETS, termios)

	case unix.TCSETSW:
		termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return err
		}
		return unix.IoctlSetTermios(fd, unix.TCSETSW, termios)

	case unix.TCSETSF:
		termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return err
		}
		return unix.IoctlSetTermios(fd, unix.TCSETSF, termios)

	case unix.TIOCGWINSZ:
		_, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
		return err

	case unix.TIOCSWINSZ:
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{})

	case unix.TIOCGPTN:
		// Accepted without querying the host; no pty number is reported.
		return nil

	case unix.TIOCSPTLCK:
		return nil

	case unix.TIOCSCTTY, unix.TIOCNOTTY, unix.TIOCGPGRP, unix.TIOCSPGRP:
		// Controlling-terminal and process-group assignment are handled
		// by the signal-delivery side of the kernel package, not here;
		// it owns ThreadGroup/foreground-group state this package can't
		// see without importing it (and creating a cycle).
		return fs.NewSysError(fs.ENOSYS)

	default:
		return fs.NewSysError(fs.ENOTTY)
	}
}
