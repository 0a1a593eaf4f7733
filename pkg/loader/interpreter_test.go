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

package loader

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kvmguest/qkernel/pkg/fs"
	"github.com/kvmguest/qkernel/pkg/fs/fsutil"
)

// testTask satisfies Task for loader tests.
type testTask struct {
	name string
}

func (*testTask) Interrupted() bool      { return false }
func (t *testTask) SetName(name string)  { t.name = name }

// testInode is the minimal fs.Inode behind snapshot-backed test files.
type testInode struct {
	name string
	size int64
}

func (*testInode) WouldBlock() bool                              { return false }
func (*testInode) FileType() fs.InodeFileType                    { return fs.FileTypeRegular }
func (i *testInode) UnstableAttr(fs.Task) (fs.UnstableAttr, error) {
	return fs.UnstableAttr{Size: i.size}, nil
}
func (*testInode) LockCtx() *fs.LockContext { return nil }
func (i *testInode) Name() string           { return i.name }

// newSnapshotFile wraps data as a read-only executable File.
func newSnapshotFile(name string, data []byte) *fs.File {
	return fs.New(
		&testInode{name: name, size: int64(len(data))},
		fs.FileFlags{Read: true},
		fsutil.NewSnapshotReadonlyFileOperations(data),
		0,
	)
}

func isENOEXEC(err error) bool {
	var se *fs.SysError
	return errors.As(err, &se) && se.Errno == fs.ENOEXEC
}

func TestParseInterpreterScript(t *testing.T) {
	for _, tc := range []struct {
		name       string
		script     string
		filename   string
		argv       []string
		wantInterp string
		wantArgv   []string
		wantErr    bool
	}{
		{
			name:       "plain",
			script:     "#!/bin/sh\necho hi\n",
			filename:   "run.sh",
			argv:       []string{"run.sh", "x"},
			wantInterp: "/bin/sh",
			wantArgv:   []string{"/bin/sh", "run.sh", "x"},
		},
		{
			name:       "with arg",
			script:     "#!/usr/bin/env -i\n",
			filename:   "env.sh",
			argv:       []string{"env.sh"},
			wantInterp: "/usr/bin/env",
			wantArgv:   []string{"/usr/bin/env", "-i", "env.sh"},
		},
		{
			name:       "arg keeps internal spaces",
			script:     "#!/bin/i  a b \n",
			filename:   "s",
			argv:       []string{"s"},
			wantInterp: "/bin/i",
			wantArgv:   []string{"/bin/i", "a b", "s"},
		},
		{
			name:       "leading blanks before interpreter",
			script:     "#! \t/bin/sh\n",
			filename:   "s",
			argv:       []string{"s"},
			wantInterp: "/bin/sh",
			wantArgv:   []string{"/bin/sh", "s"},
		},
		{
			name:     "empty line",
			script:   "#!\n",
			filename: "s",
			argv:     []string{"s"},
			wantErr:  true,
		},
		{
			name:     "blank line",
			script:   "#!   \n",
			filename: "s",
			argv:     []string{"s"},
			wantErr:  true,
		},
		{
			name:       "truncated at buffer limit",
			script:     "#!/" + strings.Repeat("a", 2*interpreterScriptMaxLen),
			filename:   "s",
			argv:       []string{"s"},
			wantInterp: "/" + strings.Repeat("a", interpreterScriptMaxLen-3),
			wantArgv:   []string{"/" + strings.Repeat("a", interpreterScriptMaxLen-3), "s"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			task := &testTask{}
			f := newSnapshotFile(tc.filename, []byte(tc.script))
			defer f.DecRef(task)

			interp, argv, err := parseInterpreterScript(task, tc.filename, f, tc.argv)
			if tc.wantErr {
				if !isENOEXEC(err) {
					t.Fatalf("got err %v, want ENOEXEC", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if interp != tc.wantInterp {
				t.Errorf("interpreter: got %q, want %q", interp, tc.wantInterp)
			}
			if !reflect.DeepEqual(argv, tc.wantArgv) {
				t.Errorf("argv: got %q, want %q", argv, tc.wantArgv)
			}
		})
	}
}
