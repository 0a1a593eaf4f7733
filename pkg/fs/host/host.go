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

// Package host implements fs.FileOperations over file descriptors donated
// or imported from the host, the bridge between a guest File and a real OS
// resource.
package host

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kvmguest/qkernel/pkg/fdnotifier"
	"github.com/kvmguest/qkernel/pkg/fs"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

var log = logrus.WithField("pkg", "fs/host")

// hostEndian is the byte order of linux_dirent64 fields, which Getdents(2)
// returns in host-native layout.
var hostEndian = binary.LittleEndian

// Inode is the fs.Inode backing a File imported from a host fd. The fd is
// immutable after creation; offset lives on the File description, not
// here, so two File descriptions opened against the same donated fd (e.g.
// via dup(2)) observe independent offsets the way Linux does.
type Inode struct {
	hostFD int

	// seekable is false for streams (sockets, pipes, some char devices):
	// such fds return ESPIPE from lseek(2) and may report EWOULDBLOCK.
	seekable bool

	isTTY      bool
	canMap     bool
	wouldBlock bool
	ino        uint64

	queue   waiter.Queue
	lockCtx *fs.LockContext
}

func classify(mode uint32) (seekable, wouldBlock, canMap bool) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFBLK:
		return true, false, true
	case unix.S_IFCHR:
		return false, true, false
	case unix.S_IFIFO, unix.S_IFSOCK:
		return false, true, false
	default:
		return false, false, false
	}
}

// NewInode wraps hostFD, fstat-ing it to classify seekability and
// would-block behavior. If the fd would block, it is switched to
// O_NONBLOCK and registered with notifier so guest waiters can be woken by
// host readiness instead of busy-polling.
func NewInode(notifier *fdnotifier.Notifier, hostFD int, ino uint64) (*Inode, error) {
	var st unix.Stat_t
	if err := unix.Fstat(hostFD, &st); err != nil {
		return nil, err
	}

	seekable, wouldBlock, canMap := classify(st.Mode)

	i := &Inode{
		hostFD:     hostFD,
		seekable:   seekable,
		wouldBlock: wouldBlock,
		canMap:     canMap,
		ino:        ino,
		lockCtx:    fs.NewLockContext(),
	}

	if wouldBlock {
		if err := unix.SetNonblock(hostFD, true); err != nil {
			return nil, err
		}
		notifier.AddFD(int32(hostFD), &i.queue)
	}

	return i, nil
}

// WouldBlock implements fs.Inode.
func (i *Inode) WouldBlock() bool { return i.wouldBlock }

// FileType implements fs.Inode.
func (i *Inode) FileType() fs.InodeFileType {
	var st unix.Stat_t
	if err := unix.Fstat(i.hostFD, &st); err != nil {
		log.WithError(err).WithField("fd", i.hostFD).Warn("fstat failed classifying file type")
		return fs.FileTypeRegular
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return fs.FileTypeDirectory
	case unix.S_IFCHR:
		return fs.FileTypeCharacterDevice
	case unix.S_IFIFO:
		return fs.FileTypeFifo
	case unix.S_IFSOCK:
		return fs.FileTypeSocket
	default:
		return fs.FileTypeRegular
	}
}

// UnstableAttr implements fs.Inode.
func (i *Inode) UnstableAttr(fs.Task) (fs.UnstableAttr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(i.hostFD, &st); err != nil {
		return fs.UnstableAttr{}, err
	}
	return fs.UnstableAttr{Size: st.Size}, nil
}

// LockCtx implements fs.Inode.
func (i *Inode) LockCtx() *fs.LockContext { return i.lockCtx }

// Name implements fs.Inode.
func (i *Inode) Name() string {
	return "host:[" + itoa(i.ino) + "]"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	n := len(buf)
	for v > 0 {
		n--
		buf[n] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[n:])
}

// Destroy closes the host fd, unregistering it from the notifier first if
// it was being polled. Destroy must run exactly once, when the File's last
// reference drops and the Inode is no longer reachable.
func (i *Inode) Destroy(notifier *fdnotifier.Notifier) {
	if i.wouldBlock {
		notifier.RemoveFD(int32(i.hostFD))
	}
	if err := unix.Close(i.hostFD); err != nil {
		log.WithError(err).WithField("fd", i.hostFD).Warn("failed to close host fd")
	}
}

func getFileFlags(fd int) (fs.FileFlags, error) {
	ret, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fs.FileFlags{}, err
	}
	mask := uint32(ret)
	return fs.FileFlags{
		Read:        mask&unix.O_ACCMODE != unix.O_WRONLY,
		Write:       mask&unix.O_ACCMODE != unix.O_RDONLY,
		Append:      mask&unix.O_APPEND != 0,
		NonBlocking: mask&unix.O_NONBLOCK != 0,
		Direct:      mask&unix.O_DIRECT != 0,
	}, nil
}

// NewFileFromFd imports hostFD as a guest File, registering it with
// notifier if it's a would-block-capable device and dispatching to a TTY
// wrapper if isTTY is set.
func NewFileFromFd(notifier *fdnotifier.Notifier, hostFD int, ino uint64, isTTY bool, lockTid uint64) (*fs.File, error) {
	inode, err := NewInode(notifier, hostFD, ino)
	if err != nil {
		return nil, err
	}

	flags, err := getFileFlags(hostFD)
	if err != nil {
		return nil, err
	}

	if isTTY {
		return NewTTYFile(inode, flags, lockTid), nil
	}
	return NewHostFile(inode, flags, lockTid), nil
}

// NewHostFile wraps inode in a plain (non-TTY) host FileOperations. If
// the underlying fd can't block (seekable regular files), positional
// read/write capability flags are auto-enabled.
func NewHostFile(inode *Inode, flags fs.FileFlags, lockTid uint64) *fs.File {
	if !inode.wouldBlock {
		flags.Pread = true
		flags.PWrite = true
	}
	fops := &FileOperations{inode: inode}
	return fs.New(inode, flags, fops, lockTid)
}

// FileOperations is the fs.FileOperations implementation backing a
// non-TTY, non-socket host fd.
type FileOperations struct {
	fs.UnimplementedSockOperations
	fs.UnimplementedSpliceOperations

	inode *Inode

	offsetMu sync.Mutex
}

func (*FileOperations) FopsType() fs.FopsType { return fs.FopsHost }
func (f *FileOperations) Seekable() bool       { return f.inode.seekable }

func (f *FileOperations) Readiness(mask waiter.EventMask) waiter.EventMask {
	return fdnotifier.NonBlockingPoll(int32(f.inode.hostFD), mask)
}

func (f *FileOperations) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.inode.queue.EventRegister(e, mask)
}

func (f *FileOperations) EventUnregister(e *waiter.Entry) {
	f.inode.queue.EventUnregister(e)
}

func (f *FileOperations) Seek(_ fs.Task, _ *fs.File, whence int32, current, offset int64) (int64, error) {
	if !f.inode.seekable {
		return 0, fs.NewSysError(fs.ESPIPE)
	}
	switch whence {
	case 0: // SEEK_SET
		if offset < 0 {
			return 0, fs.NewSysError(fs.EINVAL)
		}
		return offset, nil
	case 1: // SEEK_CUR
		if current+offset < 0 {
			return 0, fs.NewSysError(fs.EINVAL)
		}
		return current + offset, nil
	case 2: // SEEK_END
		var st unix.Stat_t
		if err := unix.Fstat(f.inode.hostFD, &st); err != nil {
			return 0, err
		}
		if st.Size+offset < 0 {
			return 0, fs.NewSysError(fs.EINVAL)
		}
		return st.Size + offset, nil
	default:
		return 0, fs.NewSysError(fs.EINVAL)
	}
}

func readIovecs(hostFD int, offset int64, dsts []fs.IoVec) (int64, error) {
	var total int64
	for _, d := range dsts {
		if len(d.Base) == 0 {
			continue
		}
		var (
			n   int
			err error
		)
		if offset < 0 {
			n, err = unix.Read(hostFD, d.Base)
		} else {
			n, err = unix.Pread(hostFD, d.Base, offset+total)
		}
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(d.Base) {
			break
		}
	}
	return total, nil
}

func writeIovecs(hostFD int, offset int64, srcs []fs.IoVec) (int64, error) {
	var total int64
	for _, s := range srcs {
		if len(s.Base) == 0 {
			continue
		}
		var (
			n   int
			err error
		)
		if offset < 0 {
			n, err = unix.Write(hostFD, s.Base)
		} else {
			n, err = unix.Pwrite(hostFD, s.Base, offset+total)
		}
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(s.Base) {
			break
		}
	}
	return total, nil
}

func (f *FileOperations) ReadAt(_ fs.Task, _ *fs.File, dsts []fs.IoVec, offset int64, _ bool) (int64, error) {
	if !f.inode.seekable {
		offset = -1
	}
	return readIovecs(f.inode.hostFD, offset, dsts)
}

func (f *FileOperations) WriteAt(_ fs.Task, _ *fs.File, srcs []fs.IoVec, offset int64, _ bool) (int64, error) {
	if !f.inode.seekable {
		offset = -1
	}
	return writeIovecs(f.inode.hostFD, offset, srcs)
}

func (f *FileOperations) Append(task fs.Task, file *fs.File, srcs []fs.IoVec) (int64, int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.inode.hostFD, &st); err != nil {
		return 0, 0, err
	}
	n, err := writeIovecs(f.inode.hostFD, st.Size, srcs)
	if err != nil {
		return 0, 0, err
	}
	return n, st.Size + n, nil
}

func (f *FileOperations) Fsync(_ fs.Task, _ *fs.File, _, _ int64, _ fs.SyncType) error {
	return unix.Fsync(f.inode.hostFD)
}

func (f *FileOperations) Flush(fs.Task, *fs.File) error { return nil }

func (f *FileOperations) UnstableAttr(task fs.Task, _ *fs.File) (fs.UnstableAttr, error) {
	return f.inode.UnstableAttr(task)
}

func (f *FileOperations) Ioctl(_ fs.Task, _ *fs.File, fd int32, request uint64, val uint64) error {
	return fs.NewSysError(fs.ENOTTY)
}

// ReadDir serializes the host directory's entries via getdents64(2)
// starting at offset (a prior call's returned cursor, or 0), stopping
// early if serializer reports its buffer full. The returned cursor is the
// kernel-provided d_off of the last entry consumed, the same value a
// caller would get back from lseek(2) on a real directory fd.
func (f *FileOperations) ReadDir(_ fs.Task, _ *fs.File, offset int64, serializer fs.DentrySerializer) (int64, error) {
	if _, err := unix.Seek(f.inode.hostFD, offset, 0); err != nil {
		return offset, err
	}

	buf := make([]byte, 8192)
	n, err := unix.Getdents(f.inode.hostFD, buf)
	if err != nil {
		return offset, err
	}
	if n == 0 {
		return offset, nil
	}
	buf = buf[:n]

	next := offset
	pos := 0
	for pos+19 <= len(buf) {
		ino := hostEndian.Uint64(buf[pos : pos+8])
		doff := int64(hostEndian.Uint64(buf[pos+8 : pos+16]))
		reclen := int(hostEndian.Uint16(buf[pos+16 : pos+18]))
		if reclen == 0 || pos+reclen > len(buf) {
			break
		}
		dtype := buf[pos+18]

		nameBytes := buf[pos+19 : pos+reclen]
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}
		name := string(nameBytes)

		pos += reclen
		next = doff

		if ino == 0 || name == "." || name == ".." {
			continue
		}
		if !serializer.WriteDirent(fs.Dirent{Name: name, Ino: ino, FileType: direntFileType(dtype)}) {
			return next, nil
		}
	}
	return next, nil
}

func direntFileType(dtype byte) fs.InodeFileType {
	switch dtype {
	case unix.DT_DIR:
		return fs.FileTypeDirectory
	case unix.DT_CHR:
		return fs.FileTypeCharacterDevice
	case unix.DT_FIFO:
		return fs.FileTypeFifo
	case unix.DT_SOCK:
		return fs.FileTypeSocket
	default:
		return fs.FileTypeRegular
	}
}

// IterateDir walks the directory from offset through dirCtx.Serializer,
// returning the new offset as an int for callers that track it outside a
// *fs.File (e.g. a directory-tree walk that hasn't opened a File yet).
func (f *FileOperations) IterateDir(task fs.Task, file *fs.File, dirCtx *fs.DirCtx, offset int) (int, error) {
	next, err := f.ReadDir(task, file, int64(offset), dirCtx.Serializer)
	return int(next), err
}

// MappableLength implements fs.Mappable for regular-file and block-device
// host fds.
func (f *FileOperations) MappableLength(task fs.Task) (int64, error) {
	attr, err := f.inode.UnstableAttr(task)
	if err != nil {
		return 0, err
	}
	return attr.Size, nil
}

// Mappable reports this FileOperations itself when the backing fd was
// classified as mmap-capable (regular files and block devices).
func (f *FileOperations) Mappable() (fs.Mappable, bool) {
	if !f.inode.canMap {
		return nil, false
	}
	return f, true
}
