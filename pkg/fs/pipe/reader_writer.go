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

package pipe

import (
	"github.com/kvmguest/qkernel/pkg/fs"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

// ReaderWriter is the FileOperations implementation backing either end of
// a pipe(2) pair (and the read or write half of a fifo). Its Close method
// must be called exactly once when the owning File's last reference
// drops.
type ReaderWriter struct {
	fs.UnimplementedSockOperations
	fs.UnimplementedSpliceOperations
	fs.UnimplementedDirOperations

	Pipe *Pipe
}

// NewReaderWriter wraps p as a FileOperations.
func NewReaderWriter(p *Pipe) *ReaderWriter {
	return &ReaderWriter{Pipe: p}
}

// Close closes both ends and wakes anyone still waiting.
func (rw *ReaderWriter) Close() {
	rw.Pipe.RClose()
	rw.Pipe.WClose()
	rw.Pipe.Notify(waiter.EventIn | waiter.EventOut)
}

func (*ReaderWriter) FopsType() fs.FopsType { return fs.FopsReaderWriter }
func (*ReaderWriter) Seekable() bool         { return false }

func (rw *ReaderWriter) Readiness(mask waiter.EventMask) waiter.EventMask {
	return rw.Pipe.RWReadiness() & mask
}

func (rw *ReaderWriter) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	rw.Pipe.EventRegister(e, mask)
}

func (rw *ReaderWriter) EventUnregister(e *waiter.Entry) {
	rw.Pipe.EventUnregister(e)
}

func (*ReaderWriter) Seek(fs.Task, *fs.File, int32, int64, int64) (int64, error) {
	return 0, fs.NewSysError(fs.ESPIPE)
}

func numBytes(vecs []fs.IoVec) int {
	n := 0
	for _, v := range vecs {
		n += len(v.Base)
	}
	return n
}

func copyOut(buf []byte, dsts []fs.IoVec) {
	for _, d := range dsts {
		if len(buf) == 0 {
			return
		}
		n := copy(d.Base, buf)
		buf = buf[n:]
	}
}

func copyIn(srcs []fs.IoVec) []byte {
	buf := make([]byte, 0, numBytes(srcs))
	for _, s := range srcs {
		buf = append(buf, s.Base...)
	}
	return buf
}

func (rw *ReaderWriter) ReadAt(_ fs.Task, _ *fs.File, dsts []fs.IoVec, _ int64, _ bool) (int64, error) {
	buf := make([]byte, numBytes(dsts))
	n, err := rw.Pipe.Read(buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		rw.Pipe.Notify(waiter.EventOut)
	}
	copyOut(buf[:n], dsts)
	return int64(n), nil
}

func (rw *ReaderWriter) WriteAt(_ fs.Task, _ *fs.File, srcs []fs.IoVec, _ int64, _ bool) (int64, error) {
	buf := copyIn(srcs)
	n, err := rw.Pipe.Write(buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		rw.Pipe.Notify(waiter.EventIn)
	}
	return int64(n), nil
}

func (rw *ReaderWriter) Append(task fs.Task, f *fs.File, srcs []fs.IoVec) (int64, int64, error) {
	n, err := rw.WriteAt(task, f, srcs, 0, false)
	return n, 0, err
}

func (*ReaderWriter) Fsync(fs.Task, *fs.File, int64, int64, fs.SyncType) error {
	return fs.NewSysError(fs.EINVAL)
}

func (*ReaderWriter) Flush(fs.Task, *fs.File) error { return nil }

func (*ReaderWriter) UnstableAttr(task fs.Task, f *fs.File) (fs.UnstableAttr, error) {
	return f.Inode.UnstableAttr(task)
}

// FIONREAD is the ioctl request for retrieving the number of queued,
// unread bytes.
const FIONREAD = 0x541B

// Ioctl handles FIONREAD. Copying the queued-byte count out to the guest's
// `val` address is the caller's job once full guest memory access is
// wired in; this just validates the request and lets the caller fetch the
// count via Pipe.Queued.
func (rw *ReaderWriter) Ioctl(_ fs.Task, _ *fs.File, _ int32, request uint64, _ uint64) error {
	if request == FIONREAD {
		return nil
	}
	return fs.NewSysError(fs.ENOTTY)
}
