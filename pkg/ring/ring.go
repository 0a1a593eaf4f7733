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

// Package ring defines the asynchronous submission-ring contract the
// host-FD notifier issues poll add/remove requests against. The shared
// vCPU/host ring (the actual io_uring-backed queue pair) lives in hostvm;
// this package exists so fdnotifier can depend on the narrow interface
// without importing the supervisor.
package ring

// PollToken identifies one outstanding AsyncPollAdd submission so its
// matching AsyncPollRemove can be issued without resubmitting the mask.
type PollToken uint64

// SubmissionRing is the asynchronous poll-add/poll-remove surface the
// notifier drives. A submitted poll fires exactly once; the notifier
// resubmits on every mask change.
type SubmissionRing interface {
	// AsyncPollAdd submits a poll for events in mask on fd, returning a
	// token identifying the submission.
	AsyncPollAdd(fd int32, mask uint32) (PollToken, error)

	// AsyncPollRemove cancels a previously submitted poll. It is a no-op
	// if the poll has already fired.
	AsyncPollRemove(token PollToken) error
}
