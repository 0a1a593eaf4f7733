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
	"bytes"
	"strings"

	"github.com/kvmguest/qkernel/pkg/fs"
)

// interpreterScriptMaxLen bounds how much of a script's first line is
// examined, matching BINPRM_BUF_SIZE: anything past it is ignored.
const interpreterScriptMaxLen = 128

// parseInterpreterScript extracts the interpreter path and optional
// argument from a "#!" script and rebuilds argv the way execve does:
// [interpreter, optional-arg, script-path, original argv[1:]...]. The
// script's own argv[0] is replaced by its path so the interpreter can
// re-open it.
func parseInterpreterScript(task Task, filename string, f *fs.File, argv []string) (string, []string, error) {
	var buf [interpreterScriptMaxLen]byte
	n, err := readFull(task, f, buf[:], 0)
	if err != nil {
		return "", nil, fs.NewSysError(fs.ENOEXEC)
	}

	line := buf[2:n]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	// Linux allows one optional argument; everything after the first
	// whitespace run is passed as a single string, surrounding blanks
	// stripped.
	rest := strings.TrimLeft(string(line), " \t")
	interp := rest
	arg := ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		interp = rest[:i]
		arg = strings.Trim(rest[i:], " \t")
	}
	if interp == "" {
		return "", nil, fs.NewSysError(fs.ENOEXEC)
	}

	newargv := []string{interp}
	if arg != "" {
		newargv = append(newargv, arg)
	}
	newargv = append(newargv, filename)
	if len(argv) > 1 {
		newargv = append(newargv, argv[1:]...)
	}

	return interp, newargv, nil
}
