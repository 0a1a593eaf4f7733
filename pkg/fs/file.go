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

// Package fs defines the in-guest File handle and the FileOperations vtable
// that backing implementations (host-imported fds, TTYs, pipes, read-only
// snapshots) plug into.
package fs

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kvmguest/qkernel/pkg/uniqueid"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

var log = logrus.WithField("pkg", "fs")

// fsReads counts seekable Readv calls process-wide, the /fs/reads counter
// named in the data model.
var fsReads int64

// FSReads returns the current /fs/reads counter value.
func FSReads() int64 { return atomic.LoadInt64(&fsReads) }

// SysError is a tagged errno-carrying error, the error currency of this
// package and everything built on top of it.
type SysError struct {
	Errno int
}

func (e *SysError) Error() string {
	return unixErrnoString(e.Errno)
}

// NewSysError wraps errno in a *SysError. A nil-returning helper would
// invite accidental `error(nil)` != nil bugs, so callers construct this
// directly when they have a non-zero errno.
func NewSysError(errno int) error {
	return &SysError{Errno: errno}
}

// Well-known errnos used directly by this package.
const (
	ENOTSOCK = 88
	EINVAL   = 22
	ENOSYS   = 38
	EIO      = 5
	ENOTDIR  = 20
	ENOTTY   = 25
	ENODEV   = 19
	ESPIPE   = 29
	EPIPE    = 32
	ENOEXEC  = 8
	ENOENT   = 2
	EAGAIN   = 11
)

// ErrExceedsFileSizeLimit is returned by Writev/Pwritev when the resource
// limit machinery (not implemented by this core) would cap the write to
// zero bytes.
var ErrExceedsFileSizeLimit = NewSysError(EINVAL)

// ErrSyscallRetCtrl is a pseudo-error used by blocking syscall
// implementations to tell the dispatcher to redirect control flow (retry,
// restart, or switch to a signal handler) instead of returning a value to
// the guest. It carries no errno of its own.
var ErrSyscallRetCtrl = &sysCallRetCtrl{}

type sysCallRetCtrl struct{}

func (*sysCallRetCtrl) Error() string { return "syscall ret ctrl" }

func unixErrnoString(errno int) string {
	switch errno {
	case ENOTSOCK:
		return "socket operation on non-socket"
	case EINVAL:
		return "invalid argument"
	case ENOSYS:
		return "function not implemented"
	case EIO:
		return "input/output error"
	case ENOTDIR:
		return "not a directory"
	case ENOTTY:
		return "inappropriate ioctl for device"
	case ENODEV:
		return "no such device"
	case ESPIPE:
		return "illegal seek"
	case ENOEXEC:
		return "exec format error"
	case ENOENT:
		return "no such file or directory"
	case EAGAIN:
		return "resource temporarily unavailable"
	default:
		return "errno"
	}
}

// Task is the minimal guest-thread context FileOperations need. Keeping it
// a small interface (rather than importing the kernel package's Thread
// directly) avoids a fs<->kernel import cycle: kernel's FileAsync
// implementation hands its own *kernel.Thread in here, satisfied
// structurally.
type Task interface {
	// Interrupted reports whether the calling thread has a pending signal
	// or stop request that should abort a blocking operation in progress.
	Interrupted() bool
}

// IoVec is a single contiguous guest buffer participating in a Readv/Writev
// style vectored I/O call. The full guest address-space/memory-manager
// translation that produces these is out of this core's scope; callers
// hand in already-resolved byte slices.
type IoVec struct {
	Base []byte
}

// UnstableAttr carries the subset of inode attributes File needs for
// append-offset computation and introspection.
type UnstableAttr struct {
	Size int64
}

// InodeFileType identifies the stable file type of the backing inode.
type InodeFileType int

const (
	FileTypeRegular InodeFileType = iota
	FileTypeDirectory
	FileTypeCharacterDevice
	FileTypeFifo
	FileTypeSocket
)

// Inode is the minimal backing-object contract File relies on: attribute
// lookup, readiness hints, and the advisory-lock context released when the
// last reference to a File drops. Dirent/mount-namespace machinery is out
// of this core's scope, so File holds an Inode directly rather than a
// Dirent wrapping one.
type Inode interface {
	WouldBlock() bool
	FileType() InodeFileType
	UnstableAttr(task Task) (UnstableAttr, error)
	LockCtx() *LockContext
	Name() string
}

// FileFlags mirrors the open(2) flags relevant to File's own bookkeeping.
type FileFlags struct {
	Read        bool
	Write       bool
	Append      bool
	NonBlocking bool
	Direct      bool
	Async       bool
	// Pread/PWrite record whether positional reads/writes are permitted
	// even when the file is not seekable (set for host FDs whose inode
	// cannot block, see NewHostFile).
	Pread  bool
	PWrite bool
}

// SettableFileFlags is the subset of FileFlags mutable by fcntl(F_SETFL).
type SettableFileFlags struct {
	Direct      bool
	NonBlocking bool
	Append      bool
	Async       bool
}

// FileAsync is notified of SIGIO-style async-readiness registration
// transitions. The kernel package's signal-delivery owner type implements
// this interface; fs never imports kernel to avoid a cycle.
type FileAsync interface {
	Register(task Task, f *File)
	Unregister(task Task, f *File)
}

// SpliceOpts describes a splice(2)-like data-movement request between two
// Files without staging the data through guest memory.
type SpliceOpts struct {
	Length int64

	// SrcOffset indicates the source File's own offset should be used and
	// advanced; otherwise SrcStart is used and the source offset is left
	// untouched.
	SrcOffset bool
	SrcStart  int64

	// Dup indicates the contents should be duplicated rather than
	// consumed from the source (pipes, sockets).
	Dup bool

	DstOffset bool
	DstStart  int64
}

// SyncType selects what Fsync flushes.
type SyncType int

const (
	SyncAll SyncType = iota
	SyncData
	SyncBackingStorage
)

// FopsType identifies the concrete FileOperations implementation backing a
// File, for diagnostics and type assertions that don't warrant a full
// interface. Limited to the backing kinds this core actually implements.
type FopsType int

const (
	FopsHost FopsType = iota
	FopsTTY
	FopsReader
	FopsWriter
	FopsReaderWriter
	FopsReadonly
)

// SockOperations is implemented by FileOperations backing sockets. Every
// method defaults to ENOTSOCK; socket-capable backends embed
// UnimplementedSockOperations and override what they support.
type SockOperations interface {
	Connect(task Task, sockaddr []byte, blocking bool) (int64, error)
	Accept(task Task, addr *[]byte, flags int32, blocking bool) (int64, error)
	Bind(task Task, sockaddr []byte) error
	Listen(task Task, backlog int32) error
	Shutdown(task Task, how int32) error
}

// UnimplementedSockOperations gives non-socket FileOperations the default
// ENOTSOCK behavior without repeating the method set.
type UnimplementedSockOperations struct{}

func (UnimplementedSockOperations) Connect(Task, []byte, bool) (int64, error) {
	return 0, NewSysError(ENOTSOCK)
}
func (UnimplementedSockOperations) Accept(Task, *[]byte, int32, bool) (int64, error) {
	return 0, NewSysError(ENOTSOCK)
}
func (UnimplementedSockOperations) Bind(Task, []byte) error    { return NewSysError(ENOTSOCK) }
func (UnimplementedSockOperations) Listen(Task, int32) error   { return NewSysError(ENOTSOCK) }
func (UnimplementedSockOperations) Shutdown(Task, int32) error { return NewSysError(ENOTSOCK) }

// SpliceOperations is implemented by FileOperations that can move data
// without staging it through guest memory. The defaults validate that
// offset-bearing endpoints are seekable and otherwise report ENOSYS.
type SpliceOperations interface {
	WriteTo(task Task, f *File, dst *File, opts *SpliceOpts) (int64, error)
	ReadFrom(task Task, f *File, src *File, opts *SpliceOpts) (int64, error)
}

// UnimplementedSpliceOperations gives FileOperations the default
// seekability-checked ENOSYS splice behavior.
type UnimplementedSpliceOperations struct{}

func (UnimplementedSpliceOperations) WriteTo(_ Task, f *File, dst *File, opts *SpliceOpts) (int64, error) {
	if opts.SrcOffset && !f.Fops.Seekable() {
		return 0, NewSysError(EINVAL)
	}
	if opts.DstOffset && !dst.Fops.Seekable() {
		return 0, NewSysError(EINVAL)
	}
	return 0, NewSysError(ENOSYS)
}

func (UnimplementedSpliceOperations) ReadFrom(_ Task, f *File, src *File, opts *SpliceOpts) (int64, error) {
	if opts.DstOffset && !f.Fops.Seekable() {
		return 0, NewSysError(EINVAL)
	}
	if opts.SrcOffset && !src.Fops.Seekable() {
		return 0, NewSysError(EINVAL)
	}
	return 0, NewSysError(ENOSYS)
}

// Dirent is a single directory entry produced by ReadDir/IterateDir.
type Dirent struct {
	Name     string
	Ino      uint64
	FileType InodeFileType
}

// DentrySerializer receives directory entries one at a time, in the style
// of getdents(2)'s user buffer: WriteDirent returns false to signal the
// buffer is full, at which point iteration stops and the entry is
// re-delivered on the next ReadDir call at the cursor it returns.
type DentrySerializer interface {
	WriteDirent(d Dirent) bool
}

// DirCtx threads a DentrySerializer through a directory FileOperations'
// IterateDir without exposing anything beyond what the walk itself needs.
type DirCtx struct {
	Serializer DentrySerializer
}

// Mappable is implemented by a FileOperations whose contents can be
// memory-mapped into the guest address space. The page-fault path and
// guest memory manager that would actually back such a mapping are out of
// this core's scope; this interface only reports whether mmap(2) should be
// allowed to proceed and over what length.
type Mappable interface {
	MappableLength(task Task) (int64, error)
}

// UnimplementedDirOperations gives non-directory, non-mappable
// FileOperations the default ENOTDIR/unmappable behavior without repeating
// the method set.
type UnimplementedDirOperations struct{}

func (UnimplementedDirOperations) ReadDir(Task, *File, int64, DentrySerializer) (int64, error) {
	return 0, NewSysError(ENOTDIR)
}

func (UnimplementedDirOperations) IterateDir(Task, *File, *DirCtx, int) (int, error) {
	return 0, NewSysError(ENOTDIR)
}

func (UnimplementedDirOperations) Mappable() (Mappable, bool) { return nil, false }

// FileOperations is the vtable every backing implementation (host fd, TTY,
// pipe end, read-only snapshot) must provide. File forwards every
// positional/metadata operation to it under its own offset lock.
type FileOperations interface {
	waiter.Waitable
	SockOperations
	SpliceOperations

	FopsType() FopsType
	Seekable() bool

	Seek(task Task, f *File, whence int32, current, offset int64) (int64, error)
	ReadAt(task Task, f *File, dsts []IoVec, offset int64, blocking bool) (int64, error)
	WriteAt(task Task, f *File, srcs []IoVec, offset int64, blocking bool) (int64, error)

	// Append atomically appends srcs to a seekable file and returns
	// (bytes written, new file length).
	Append(task Task, f *File, srcs []IoVec) (int64, int64, error)

	Fsync(task Task, f *File, start, end int64, syncType SyncType) error
	Flush(task Task, f *File) error

	UnstableAttr(task Task, f *File) (UnstableAttr, error)
	Ioctl(task Task, f *File, fd int32, request uint64, val uint64) error

	// ReadDir serializes directory entries starting at offset, returning
	// the cursor the next call should resume from.
	ReadDir(task Task, f *File, offset int64, serializer DentrySerializer) (int64, error)
	// IterateDir walks the directory from offset via dirCtx, returning the
	// number of entries consumed.
	IterateDir(task Task, f *File, dirCtx *DirCtx, offset int) (int, error)
	// Mappable reports whether this file's contents can be memory-mapped.
	Mappable() (Mappable, bool)
}

// File is a single open file description: a FileOperations implementation,
// its own seek offset, and the flags/async-owner state private to this
// description (as opposed to the shared Inode it was opened against).
type File struct {
	UniqueID uint64
	Inode    Inode
	Fops     FileOperations

	refs int64 // atomic

	mu      sync.Mutex
	flags   FileFlags
	fasync  FileAsync
	lockTid uint64

	offsetMu sync.Mutex
	offset   int64
}

// New constructs a File around fops with refs=1.
func New(inode Inode, flags FileFlags, fops FileOperations, lockTid uint64) *File {
	return &File{
		UniqueID: uniqueid.NewUID(),
		Inode:    inode,
		Fops:     fops,
		refs:     1,
		flags:    flags,
		lockTid:  lockTid,
	}
}

// IncRef bumps the reference count. Every IncRef must be matched by a
// DecRef.
func (f *File) IncRef() {
	atomic.AddInt64(&f.refs, 1)
}

// DecRef drops a reference. When the last reference drops, File releases
// the BSD/POSIX advisory locks it held and unregisters its async owner;
// Go has no destructors, so close paths call this explicitly.
func (f *File) DecRef(task Task) {
	if atomic.AddInt64(&f.refs, -1) != 0 {
		return
	}

	if lc := f.Inode.LockCtx(); lc != nil {
		lc.BSD.UnlockRegion(f.lockTid)
		lc.Posix.UnlockRegion(f.lockTid)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags.Async && f.fasync != nil {
		f.fasync.Unregister(task, f)
	}
	f.fasync = nil
}

// Readiness, EventRegister and EventUnregister satisfy waiter.Waitable by
// delegating straight to the backing FileOperations.
func (f *File) Readiness(mask waiter.EventMask) waiter.EventMask {
	return f.Fops.Readiness(mask)
}

func (f *File) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.Fops.EventRegister(e, mask)
}

func (f *File) EventUnregister(e *waiter.Entry) {
	f.Fops.EventUnregister(e)
}

// WouldBlock reports whether the backing inode is a would-block-capable
// device (sockets, pipes, some char devices). NewHostFile makes the same
// check on the host inode directly to decide whether to auto-enable
// positional read/write capability flags.
func (f *File) WouldBlock() bool {
	return f.Inode.WouldBlock()
}

// FileType downcasts through the Inode for callers that need the stable
// inode file type.
func (f *File) FileType() InodeFileType {
	return f.Inode.FileType()
}

// Blocking reports whether I/O on this description should block.
func (f *File) Blocking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.flags.NonBlocking
}

// Flags returns a copy of the current flags.
func (f *File) Flags() FileFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

// SetFlags mutates the settable subset of flags, registering or
// unregistering the async owner exactly on an Async transition.
func (f *File) SetFlags(task Task, newFlags SettableFileFlags) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flags.Direct = newFlags.Direct
	f.flags.NonBlocking = newFlags.NonBlocking
	f.flags.Append = newFlags.Append

	if f.fasync != nil {
		if newFlags.Async && !f.flags.Async {
			f.fasync.Register(task, f)
		}
		if !newFlags.Async && f.flags.Async {
			f.fasync.Unregister(task, f)
		}
	}

	f.flags.Async = newFlags.Async
}

// Async returns the stored FileAsync owner, installing newAsync as the
// owner (and registering it if async mode is already enabled) if none is
// set yet.
func (f *File) Async(task Task, newAsync FileAsync) FileAsync {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fasync == nil && newAsync != nil {
		f.fasync = newAsync
		if f.flags.Async {
			f.fasync.Register(task, f)
		}
	}
	return f.fasync
}

// Offset returns the current seek offset without mutating it.
func (f *File) Offset() int64 {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()
	return f.offset
}

// Seek repositions and returns the new offset.
func (f *File) Seek(task Task, whence int32, offset int64) (int64, error) {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()

	newOffset, err := f.Fops.Seek(task, f, whence, f.offset, offset)
	if err != nil {
		return 0, err
	}
	f.offset = newOffset
	return newOffset, nil
}

// Readv performs a vectored read, advancing the file offset for seekable
// files and always reading from offset 0 for non-seekable ones (pipes,
// sockets, which ignore the offset argument entirely).
func (f *File) Readv(task Task, dsts []IoVec) (int64, error) {
	if f.Fops.Seekable() {
		atomic.AddInt64(&fsReads, 1)

		f.offsetMu.Lock()
		defer f.offsetMu.Unlock()

		current := f.offset
		n, err := f.Fops.ReadAt(task, f, dsts, current, f.Blocking())
		if err != nil {
			return 0, err
		}
		if n > 0 {
			f.offset = current + n
		}
		return n, nil
	}

	return f.Fops.ReadAt(task, f, dsts, 0, f.Blocking())
}

// Preadv performs a positional read that never touches the file offset.
func (f *File) Preadv(task Task, dsts []IoVec, offset int64) (int64, error) {
	return f.Fops.ReadAt(task, f, dsts, offset, f.Blocking())
}

// checkLimit reports whether the write starting at offset must be
// truncated, and to what length. Resource-limit enforcement is out of
// this core's scope, so it never truncates.
func (f *File) checkLimit(offset int64) (int64, bool) {
	return 0, false
}

// Writev performs a vectored write, honoring O_APPEND for seekable files
// by delegating to FileOperations.Append instead of WriteAt.
func (f *File) Writev(task Task, srcs []IoVec) (int64, error) {
	if f.Fops.Seekable() {
		f.offsetMu.Lock()
		defer f.offsetMu.Unlock()

		if f.Flags().Append {
			n, length, err := f.Fops.Append(task, f, srcs)
			if err != nil {
				return 0, err
			}
			f.offset = length
			return n, nil
		}

		current := f.offset
		if limit, ok := f.checkLimit(current); ok && limit == 0 {
			return 0, ErrExceedsFileSizeLimit
		}

		n, err := f.Fops.WriteAt(task, f, srcs, current, f.Blocking())
		if err != nil {
			return 0, err
		}
		if n > 0 {
			f.offset = current + n
		}
		return n, nil
	}

	return f.Fops.WriteAt(task, f, srcs, 0, f.Blocking())
}

// Pwritev performs a positional write. O_APPEND is deliberately not
// honored here, matching Linux's pwrite(2) against a strict POSIX
// reading.
func (f *File) Pwritev(task Task, srcs []IoVec, offset int64) (int64, error) {
	if limit, ok := f.checkLimit(offset); ok && limit == 0 {
		return 0, ErrExceedsFileSizeLimit
	}
	return f.Fops.WriteAt(task, f, srcs, offset, f.Blocking())
}

// Fsync flushes start..end according to syncType.
func (f *File) Fsync(task Task, start, end int64, syncType SyncType) error {
	return f.Fops.Fsync(task, f, start, end, syncType)
}

// Flush flushes buffered writes, a no-op unless the description was
// opened for writing.
func (f *File) Flush(task Task) error {
	if !f.Flags().Write {
		return nil
	}
	return f.Fops.Flush(task, f)
}

// UnstableAttr forwards to the backing FileOperations.
func (f *File) UnstableAttr(task Task) (UnstableAttr, error) {
	return f.Fops.UnstableAttr(task, f)
}

// Ioctl forwards to the backing FileOperations.
func (f *File) Ioctl(task Task, fd int32, request uint64, val uint64) error {
	return f.Fops.Ioctl(task, f, fd, request, val)
}

// ReadDir serializes directory entries starting at the file's own offset
// and stores the backing implementation's returned cursor back into it,
// the directory analogue of Readv's offset handling.
func (f *File) ReadDir(task Task, serializer DentrySerializer) error {
	f.offsetMu.Lock()
	defer f.offsetMu.Unlock()

	next, err := f.Fops.ReadDir(task, f, f.offset, serializer)
	if err != nil {
		return err
	}
	f.offset = next
	return nil
}

// Mappable reports whether this file's contents can be memory-mapped, and
// the Mappable object to map them through if so.
func (f *File) Mappable() (Mappable, bool) {
	return f.Fops.Mappable()
}
