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

package fs

import (
	"testing"

	"github.com/kvmguest/qkernel/pkg/waiter"
)

// memInode is a fixed-size in-memory Inode used to exercise File's offset
// and append bookkeeping without a real backing fd.
type memInode struct {
	size int64
}

func (memInode) WouldBlock() bool                           { return false }
func (memInode) FileType() InodeFileType                    { return FileTypeRegular }
func (i *memInode) UnstableAttr(Task) (UnstableAttr, error)  { return UnstableAttr{Size: i.size}, nil }
func (memInode) LockCtx() *LockContext                       { return nil }
func (memInode) Name() string                                { return "mem" }

// memFops is a seekable FileOperations backed by a growable byte slice.
type memFops struct {
	UnimplementedSockOperations
	UnimplementedSpliceOperations
	UnimplementedDirOperations

	data *[]byte
}

func (*memFops) FopsType() FopsType { return FopsHost }
func (*memFops) Seekable() bool      { return true }

func (*memFops) Readiness(mask waiter.EventMask) waiter.EventMask { return mask }
func (*memFops) EventRegister(*waiter.Entry, waiter.EventMask)    {}
func (*memFops) EventUnregister(*waiter.Entry)                    {}

func (*memFops) Seek(_ Task, _ *File, whence int32, current, offset int64) (int64, error) {
	switch whence {
	case 0:
		return offset, nil
	case 1:
		return current + offset, nil
	default:
		return 0, NewSysError(EINVAL)
	}
}

func (m *memFops) ReadAt(_ Task, _ *File, dsts []IoVec, offset int64, _ bool) (int64, error) {
	if offset >= int64(len(*m.data)) {
		return 0, nil
	}
	src := (*m.data)[offset:]
	var total int64
	for _, d := range dsts {
		n := copy(d.Base, src)
		src = src[n:]
		total += int64(n)
		if len(src) == 0 {
			break
		}
	}
	return total, nil
}

func (m *memFops) WriteAt(_ Task, _ *File, srcs []IoVec, offset int64, _ bool) (int64, error) {
	var n int64
	for _, s := range srcs {
		end := offset + n + int64(len(s.Base))
		if end > int64(len(*m.data)) {
			grown := make([]byte, end)
			copy(grown, *m.data)
			*m.data = grown
		}
		copy((*m.data)[offset+n:], s.Base)
		n += int64(len(s.Base))
	}
	return n, nil
}

func (m *memFops) Append(task Task, f *File, srcs []IoVec) (int64, int64, error) {
	n, err := m.WriteAt(task, f, srcs, int64(len(*m.data)), false)
	if err != nil {
		return 0, 0, err
	}
	return n, int64(len(*m.data)), nil
}

func (*memFops) Fsync(Task, *File, int64, int64, SyncType) error { return nil }
func (*memFops) Flush(Task, *File) error                          { return nil }

func (*memFops) UnstableAttr(task Task, f *File) (UnstableAttr, error) {
	return f.Inode.UnstableAttr(task)
}

func (*memFops) Ioctl(Task, *File, int32, uint64, uint64) error { return NewSysError(ENOTTY) }

func (*memFops) Mappable() (Mappable, bool) { return nil, false }

type noopTask struct{}

func (noopTask) Interrupted() bool { return false }

func newMemFile(initial []byte) *File {
	data := append([]byte(nil), initial...)
	inode := &memInode{size: int64(len(data))}
	fops := &memFops{data: &data}
	return New(inode, FileFlags{Read: true, Write: true}, fops, 1)
}

func TestReadvAdvancesOffsetAndCountsReads(t *testing.T) {
	f := newMemFile([]byte("hello world"))
	before := FSReads()

	buf := make([]byte, 5)
	n, err := f.Readv(noopTask{}, []IoVec{{Base: buf}})
	if err != nil {
		t.Fatalf("Readv: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Readv: got %q (%d), want %q (5)", buf[:n], n, "hello")
	}
	if f.Offset() != 5 {
		t.Fatalf("Offset() after Readv: got %d, want 5", f.Offset())
	}
	if got := FSReads(); got != before+1 {
		t.Fatalf("FSReads() after one seekable Readv: got %d, want %d", got, before+1)
	}
}

func TestWritevThenPreadvDoesNotMoveOffset(t *testing.T) {
	f := newMemFile(nil)

	n, err := f.Writev(noopTask{}, []IoVec{{Base: []byte("abc")}})
	if err != nil || n != 3 {
		t.Fatalf("Writev: n=%d err=%v", n, err)
	}
	if f.Offset() != 3 {
		t.Fatalf("Offset() after Writev: got %d, want 3", f.Offset())
	}

	buf := make([]byte, 3)
	if _, err := f.Preadv(noopTask{}, []IoVec{{Base: buf}}, 0); err != nil {
		t.Fatalf("Preadv: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("Preadv content: got %q, want %q", buf, "abc")
	}
	if f.Offset() != 3 {
		t.Fatalf("Offset() after Preadv: got %d, want unchanged 3", f.Offset())
	}
}

func TestWritevHonorsAppendFlag(t *testing.T) {
	f := newMemFile([]byte("0123456789"))
	f.SetFlags(noopTask{}, SettableFileFlags{Append: true})

	if _, err := f.Seek(noopTask{}, 0, 2); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	n, err := f.Writev(noopTask{}, []IoVec{{Base: []byte("XY")}})
	if err != nil || n != 2 {
		t.Fatalf("Writev: n=%d err=%v", n, err)
	}
	if f.Offset() != 12 {
		t.Fatalf("Offset() after append write: got %d, want 12 (end of file)", f.Offset())
	}
}

func TestPwritevIgnoresAppendFlag(t *testing.T) {
	f := newMemFile([]byte("0123456789"))
	f.SetFlags(noopTask{}, SettableFileFlags{Append: true})

	if _, err := f.Pwritev(noopTask{}, []IoVec{{Base: []byte("XY")}}, 2); err != nil {
		t.Fatalf("Pwritev: %v", err)
	}
	if f.Offset() != 0 {
		t.Fatalf("Offset() after Pwritev: got %d, want unchanged 0 (pwrite never touches offset)", f.Offset())
	}
}

func TestSetFlagsRegistersAsyncOwnerOnlyOnTransition(t *testing.T) {
	f := newMemFile(nil)

	var registered, unregistered int
	owner := fakeAsync{
		onRegister:   func() { registered++ },
		onUnregister: func() { unregistered++ },
	}
	f.Async(noopTask{}, owner)

	f.SetFlags(noopTask{}, SettableFileFlags{Async: true})
	if registered != 1 {
		t.Fatalf("Register calls after enabling async: got %d, want 1", registered)
	}

	f.SetFlags(noopTask{}, SettableFileFlags{Async: true})
	if registered != 1 {
		t.Fatalf("Register calls after re-setting async=true: got %d, want still 1 (no duplicate registration)", registered)
	}

	f.SetFlags(noopTask{}, SettableFileFlags{Async: false})
	if unregistered != 1 {
		t.Fatalf("Unregister calls after disabling async: got %d, want 1", unregistered)
	}
}

type fakeAsync struct {
	onRegister, onUnregister func()
}

func (a fakeAsync) Register(Task, *File)   { a.onRegister() }
func (a fakeAsync) Unregister(Task, *File) { a.onUnregister() }

func TestDecRefLastReferenceWithNilLockCtx(t *testing.T) {
	f := newMemFile(nil)
	f.IncRef()

	f.DecRef(noopTask{})
	lc := f.Inode.LockCtx()
	if lc != nil {
		t.Fatalf("memInode.LockCtx() unexpectedly non-nil")
	}

	// Second DecRef drops the last reference; must not panic even though
	// LockCtx is nil for this Inode.
	f.DecRef(noopTask{})
}
