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
	"testing"

	"github.com/kvmguest/qkernel/pkg/fs"
)

type noopTask struct{}

func (noopTask) Interrupted() bool { return false }

func TestReaderWriterSeekFails(t *testing.T) {
	rw := NewReaderWriter(New(16))
	if _, err := rw.Seek(noopTask{}, nil, 0, 0, 0); err == nil {
		t.Fatal("Seek on a pipe: got nil error, want ESPIPE")
	}
}

func TestReaderWriterReadWriteRoundTrip(t *testing.T) {
	rw := NewReaderWriter(New(16))

	n, err := rw.WriteAt(noopTask{}, nil, []fs.IoVec{{Base: []byte("hi")}}, 0, true)
	if err != nil || n != 2 {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	buf := make([]byte, 2)
	n, err = rw.ReadAt(noopTask{}, nil, []fs.IoVec{{Base: buf}}, 0, true)
	if err != nil || n != 2 || string(buf) != "hi" {
		t.Fatalf("ReadAt: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestReaderWriterFsyncFails(t *testing.T) {
	rw := NewReaderWriter(New(16))
	if err := rw.Fsync(noopTask{}, nil, 0, 0, fs.SyncAll); err == nil {
		t.Fatal("Fsync on a pipe: got nil error, want EINVAL")
	}
}

func TestReaderWriterIoctlFIONREAD(t *testing.T) {
	rw := NewReaderWriter(New(16))
	if err := rw.Ioctl(noopTask{}, nil, 0, FIONREAD, 0); err != nil {
		t.Fatalf("Ioctl(FIONREAD): %v", err)
	}
	if err := rw.Ioctl(noopTask{}, nil, 0, 0xdead, 0); err == nil {
		t.Fatal("Ioctl with an unknown request: got nil error, want ENOTTY")
	}
}

func TestReaderWriterCloseWakesBothDirections(t *testing.T) {
	p := New(16)
	rw := NewReaderWriter(p)
	rw.Close()

	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("Write after Close: got nil error, want EPIPE")
	}
	n, err := p.Read(make([]byte, 1))
	if err != nil || n != 0 {
		t.Fatalf("Read after Close: n=%d err=%v, want EOF-as-zero", n, err)
	}
}

func TestReaderWriterReadDirFails(t *testing.T) {
	rw := NewReaderWriter(New(16))
	if _, err := rw.ReadDir(noopTask{}, nil, 0, nil); err == nil {
		t.Fatal("ReadDir on a pipe: got nil error, want ENOTDIR")
	}
}

func TestReaderWriterNotMappable(t *testing.T) {
	rw := NewReaderWriter(New(16))
	if _, ok := rw.Mappable(); ok {
		t.Fatal("Mappable() on a pipe: got ok=true, want false")
	}
}
