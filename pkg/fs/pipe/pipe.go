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

// Package pipe implements an in-memory byte-ring shared between the read
// and write ends of a pipe(2) pair.
package pipe

import (
	"sync"

	"github.com/kvmguest/qkernel/pkg/fs"
	"github.com/kvmguest/qkernel/pkg/waiter"
)

// DefaultPipeSize matches Linux's default pipe capacity (64KiB, 16 pages).
const DefaultPipeSize = 65536

// Pipe is a fixed-capacity byte ring shared by a ReaderWriter's read and
// write ends. Reads and writes are short when the ring can't satisfy the
// whole request rather than blocking here — blocking-until-ready is the
// caller's (the File/task dispatch loop's) job, driven by the readiness
// this type reports through its waiter.Queue.
type Pipe struct {
	mu   sync.Mutex
	buf  []byte
	size int // capacity
	r, n int // read cursor, number of queued bytes

	rClosed, wClosed bool

	queue waiter.Queue
}

// New returns an empty pipe with the given capacity in bytes.
func New(size int) *Pipe {
	if size <= 0 {
		size = DefaultPipeSize
	}
	return &Pipe{buf: make([]byte, size), size: size}
}

// RClose marks the read end closed.
func (p *Pipe) RClose() {
	p.mu.Lock()
	p.rClosed = true
	p.mu.Unlock()
}

// WClose marks the write end closed.
func (p *Pipe) WClose() {
	p.mu.Lock()
	p.wClosed = true
	p.mu.Unlock()
}

// Queued returns the number of bytes currently buffered.
func (p *Pipe) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// RWReadiness reports which of the requested events the pipe can currently
// satisfy: EventIn if there is data to read or the write end is closed
// (EOF reads as ready), EventOut if there is room to write or the read end
// is closed (so a write can fail fast with EPIPE instead of blocking).
func (p *Pipe) RWReadiness() waiter.EventMask {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mask waiter.EventMask
	if p.n > 0 || p.wClosed {
		mask |= waiter.EventIn
	}
	if p.n < p.size || p.rClosed {
		mask |= waiter.EventOut
	}
	return mask
}

// Notify wakes every waiter registered for an event in mask.
func (p *Pipe) Notify(mask waiter.EventMask) {
	p.queue.Notify(mask)
}

// EventRegister and EventUnregister let a ReaderWriter's Waitable
// implementation delegate straight through to the pipe's shared queue, so
// a write on one end wakes a reader blocked on the other.
func (p *Pipe) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	p.queue.EventRegister(e, mask)
}

func (p *Pipe) EventUnregister(e *waiter.Entry) {
	p.queue.EventUnregister(e)
}

// Read copies up to len(dst) queued bytes into dst. It returns
// (0, nil) rather than blocking when the ring is empty and the write end
// is still open; the caller is responsible for retrying once notified.
func (p *Pipe) Read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		if p.wClosed {
			return 0, nil // EOF
		}
		return 0, nil
	}

	n := p.n
	if n > len(dst) {
		n = len(dst)
	}

	for i := 0; i < n; i++ {
		dst[i] = p.buf[(p.r+i)%p.size]
	}
	p.r = (p.r + n) % p.size
	p.n -= n

	return n, nil
}

// Write copies up to the available free space from src into the ring. It
// returns EPIPE if the read end is already closed.
func (p *Pipe) Write(src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rClosed {
		return 0, fs.NewSysError(fs.EPIPE)
	}

	free := p.size - p.n
	n := len(src)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0, nil
	}

	w := (p.r + p.n) % p.size
	for i := 0; i < n; i++ {
		p.buf[(w+i)%p.size] = src[i]
	}
	p.n += n

	return n, nil
}
