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

// Package fsutil collects small, reusable FileOperations building blocks
// that individual backing implementations embed instead of reimplementing.
package fsutil

import (
	"github.com/kvmguest/qkernel/pkg/fs"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

// ReadonlyFileNode supplies the one operation a read-only file actually
// varies on: ReadAt. Everything else about a read-only FileOperations is
// identical regardless of what backs it.
type ReadonlyFileNode interface {
	ReadAt(task fs.Task, f *fs.File, dsts []fs.IoVec, offset int64, blocking bool) (int64, error)
}

// ReadonlyFileOperations implements fs.FileOperations for any node that can
// only ever be read: writes fail with EINVAL, directory operations fail
// with ENOTDIR, Ioctl fails with ENOTTY, and the file always reports
// ready.
type ReadonlyFileOperations struct {
	fs.UnimplementedSockOperations
	fs.UnimplementedSpliceOperations
	fs.UnimplementedDirOperations

	Node ReadonlyFileNode
}

func (ReadonlyFileOperations) FopsType() fs.FopsType { return fs.FopsReadonly }
func (ReadonlyFileOperations) Seekable() bool         { return true }

func (ReadonlyFileOperations) Readiness(mask waiter.EventMask) waiter.EventMask {
	return mask
}
func (ReadonlyFileOperations) EventRegister(*waiter.Entry, waiter.EventMask) {}
func (ReadonlyFileOperations) EventUnregister(*waiter.Entry)                {}

func (r ReadonlyFileOperations) Seek(_ fs.Task, _ *fs.File, whence int32, current, offset int64) (int64, error) {
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
	default:
		return 0, fs.NewSysError(fs.EINVAL)
	}
}

func (r ReadonlyFileOperations) ReadAt(task fs.Task, f *fs.File, dsts []fs.IoVec, offset int64, blocking bool) (int64, error) {
	return r.Node.ReadAt(task, f, dsts, offset, blocking)
}

func (ReadonlyFileOperations) WriteAt(fs.Task, *fs.File, []fs.IoVec, int64, bool) (int64, error) {
	return 0, fs.NewSysError(fs.EINVAL)
}

func (r ReadonlyFileOperations) Append(task fs.Task, f *fs.File, srcs []fs.IoVec) (int64, int64, error) {
	n, err := r.WriteAt(task, f, srcs, 0, false)
	return n, 0, err
}

func (ReadonlyFileOperations) Fsync(fs.Task, *fs.File, int64, int64, fs.SyncType) error { return nil }
func (ReadonlyFileOperations) Flush(fs.Task, *fs.File) error                            { return nil }

func (ReadonlyFileOperations) UnstableAttr(task fs.Task, f *fs.File) (fs.UnstableAttr, error) {
	return f.Inode.UnstableAttr(task)
}

func (ReadonlyFileOperations) Ioctl(fs.Task, *fs.File, int32, uint64, uint64) error {
	return fs.NewSysError(fs.ENOTTY)
}

// Mappable reports Node as the Mappable object when it implements
// fs.Mappable itself (true of SnapshotReadonlyFileNode), otherwise falls
// back to UnimplementedDirOperations' unmappable default.
func (r ReadonlyFileOperations) Mappable() (fs.Mappable, bool) {
	if m, ok := r.Node.(fs.Mappable); ok {
		return m, true
	}
	return r.UnimplementedDirOperations.Mappable()
}

// SnapshotReadonlyFileNode serves reads from an immutable in-memory byte
// slice, the building block behind /proc-style generated files and the
// guest kernel's own VDSO/loader-image snapshots.
type SnapshotReadonlyFileNode struct {
	Data []byte
}

// NewSnapshotReadonlyFileOperations wraps a byte slice as a full read-only
// FileOperations.
func NewSnapshotReadonlyFileOperations(data []byte) *ReadonlyFileOperations {
	return &ReadonlyFileOperations{Node: &SnapshotReadonlyFileNode{Data: data}}
}

// MappableLength implements fs.Mappable: the whole snapshot is available
// for mapping.
func (n *SnapshotReadonlyFileNode) MappableLength(fs.Task) (int64, error) {
	return int64(len(n.Data)), nil
}

func (n *SnapshotReadonlyFileNode) ReadAt(_ fs.Task, _ *fs.File, dsts []fs.IoVec, offset int64, _ bool) (int64, error) {
	if offset < 0 {
		return 0, fs.NewSysError(fs.EINVAL)
	}
	if offset >= int64(len(n.Data)) {
		return 0, nil
	}

	src := n.Data[offset:]
	var total int64
	for i := range dsts {
		if len(src) == 0 {
			break
		}
		nc := copy(dsts[i].Base, src)
		src = src[nc:]
		total += int64(nc)
	}
	return total, nil
}
