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
	"math"
	"sync"

	"github.com/google/btree"
)

// byteRange is a half-open [Start, End) lock range. End == math.MaxInt64
// represents a lock extending to the end of the file.
type byteRange struct {
	Start, End int64
}

// lockEntry is a single held advisory lock, keyed into the btree by Start
// so overlap queries can walk forward from a given offset.
type lockEntry struct {
	byteRange
	OwnerID uint64
}

func (le *lockEntry) Less(than btree.Item) bool {
	other := than.(*lockEntry)
	if le.Start != other.Start {
		return le.Start < other.Start
	}
	return le.End < other.End
}

func (br byteRange) overlaps(other byteRange) bool {
	return br.Start < other.End && other.Start < br.End
}

// MaxRange is the lock range spanning the entire file, used when a File's
// last reference drops and every lock it held must be released regardless
// of which byte range it covered.
func MaxRange() byteRange {
	return byteRange{Start: 0, End: math.MaxInt64}
}

// AdvisoryLocks is an interval index of held locks of one discipline (BSD
// flock-style or POSIX fcntl-style), backed by a btree so overlap lookups
// don't need a linear scan as the lock set grows.
type AdvisoryLocks struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewAdvisoryLocks returns an empty lock index.
func NewAdvisoryLocks() *AdvisoryLocks {
	return &AdvisoryLocks{tree: btree.New(8)}
}

// LockRegion acquires a lock for ownerID over rng. It fails with EAGAIN if
// any other owner holds an overlapping lock.
func (l *AdvisoryLocks) LockRegion(ownerID uint64, rng byteRange) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conflict := false
	l.tree.Ascend(func(it btree.Item) bool {
		e := it.(*lockEntry)
		if e.OwnerID != ownerID && e.overlaps(rng) {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		log.WithField("owner", ownerID).Debug("advisory lock conflict")
		return NewSysError(EAGAIN)
	}

	l.tree.ReplaceOrInsert(&lockEntry{byteRange: rng, OwnerID: ownerID})
	return nil
}

// UnlockRegion releases every lock ownerID holds that overlaps rng. Passing
// MaxRange() releases every lock the owner holds, which is what happens
// when a File's last reference drops.
func (l *AdvisoryLocks) UnlockRegion(ownerID uint64, rng ...byteRange) {
	region := MaxRange()
	if len(rng) > 0 {
		region = rng[0]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []btree.Item
	l.tree.Ascend(func(it btree.Item) bool {
		e := it.(*lockEntry)
		if e.OwnerID == ownerID && e.overlaps(region) {
			stale = append(stale, it)
		}
		return true
	})
	for _, it := range stale {
		l.tree.Delete(it)
	}
}

// LockContext groups the two advisory-locking disciplines a File's backing
// Inode maintains: BSD (flock) locks, which are file-description scoped,
// and POSIX (fcntl) locks, which are process scoped. File.DecRef releases
// both for the dropping owner on last reference.
type LockContext struct {
	BSD   *AdvisoryLocks
	Posix *AdvisoryLocks
}

// NewLockContext returns an empty lock context for a freshly created
// Inode.
func NewLockContext() *LockContext {
	return &LockContext{
		BSD:   NewAdvisoryLocks(),
		Posix: NewAdvisoryLocks(),
	}
}
