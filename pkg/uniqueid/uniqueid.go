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

// Package uniqueid hands out process-wide unique identifiers used to order
// File handles and other kernel objects for deterministic iteration and
// locking.
package uniqueid

import "sync/atomic"

var last uint64

// NewUID returns a new, process-wide unique, monotonically increasing id.
// The zero value is never returned, so callers may use 0 as "unset".
func NewUID() uint64 {
	return atomic.AddUint64(&last, 1)
}
